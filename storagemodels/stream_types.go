/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package storagemodels

import (
	"time"
)

// StreamResult is one element of a query stream: a record or an error.
type StreamResult[T any] struct {
	Item  T
	Error error
	Meta  StreamMeta
}

// StreamMeta locates an element within its stream.
type StreamMeta struct {
	Index      int64 // 0-based position among emitted records
	PageNumber int   // 1-based backend page
	Timestamp  time.Time
}

// StreamOptions tunes how a backend pages and delivers query results.
type StreamOptions struct {
	BufferSize      int           // result channel capacity, default 100
	MaxRetries      int           // attempts per page on transient errors, default 3
	RetryBackoff    time.Duration // multiplied by the attempt number, default 1s
	PageSize        int32         // records per backend page, default 100
	ProgressHandler func(StreamProgress)
	// ErrorHandler decides whether a failed page is skipped (true) or ends
	// the stream with an error element (false or nil handler).
	ErrorHandler func(error) bool
}

// StreamProgress is passed to the progress handler after every page.
type StreamProgress struct {
	ItemsProcessed int64
	PagesProcessed int
	Errors         []error // pages skipped by the error handler and undecodable records
	StartTime      time.Time
	CurrentRate    float64 // records per second
}

// StreamOption adjusts StreamOptions.
type StreamOption func(*StreamOptions)

// DefaultStreamOptions returns the options used when none are given.
func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		BufferSize:   100,
		MaxRetries:   3,
		RetryBackoff: time.Second,
		PageSize:     100,
	}
}

// ApplyStreamOptions returns the defaults with opts applied.
func ApplyStreamOptions(opts ...StreamOption) StreamOptions {
	o := DefaultStreamOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.BufferSize < 0 {
		o.BufferSize = 0
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultStreamOptions().PageSize
	}
	return o
}

// WithBufferSize sets the result channel capacity.
func WithBufferSize(size int) StreamOption {
	return func(opts *StreamOptions) {
		opts.BufferSize = size
	}
}

// WithMaxRetries sets the attempts per page.
func WithMaxRetries(retries int) StreamOption {
	return func(opts *StreamOptions) {
		opts.MaxRetries = retries
	}
}

// WithRetryBackoff sets the base backoff.
func WithRetryBackoff(backoff time.Duration) StreamOption {
	return func(opts *StreamOptions) {
		opts.RetryBackoff = backoff
	}
}

// WithPageSize sets the backend page size.
func WithPageSize(size int32) StreamOption {
	return func(opts *StreamOptions) {
		opts.PageSize = size
	}
}

// WithProgressHandler registers a progress callback.
func WithProgressHandler(handler func(StreamProgress)) StreamOption {
	return func(opts *StreamOptions) {
		opts.ProgressHandler = handler
	}
}

// WithErrorHandler registers the handler deciding whether failed pages are skipped.
func WithErrorHandler(handler func(error) bool) StreamOption {
	return func(opts *StreamOptions) {
		opts.ErrorHandler = handler
	}
}
