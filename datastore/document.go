/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package datastore

import (
	"context"
	"time"

	"github.com/go-openapi/strfmt"

	"github.com/suparena/entitydao/entity"
	"github.com/suparena/entitydao/errors"
	"github.com/suparena/entitydao/key"
	"github.com/suparena/entitydao/storagemodels"
)

// Document is the stored form of a record for backends that keep whole
// documents: the record plus its lock owner.
type Document[K key.Key] struct {
	Key       K               `json:"key" yaml:"key"`
	Version   int64           `json:"version" yaml:"version"`
	LockOwner string          `json:"lockOwner,omitempty" yaml:"lockOwner,omitempty"`
	Fields    map[string]any  `json:"fields" yaml:"fields"`
	CreatedAt strfmt.DateTime `json:"createdAt" yaml:"createdAt"`
	UpdatedAt strfmt.DateTime `json:"updatedAt" yaml:"updatedAt"`
}

// NewDocument builds the first stored version of rec.
func NewDocument[K key.Key](rec *entity.Record[K], now time.Time) *Document[K] {
	ts := strfmt.DateTime(now.UTC())
	return &Document[K]{
		Key:       rec.Key,
		Version:   1,
		Fields:    entity.CloneFields(rec.Fields),
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

// Record converts the document back into a persistent record.
func (d *Document[K]) Record() *entity.Record[K] {
	lock := entity.Unlocked
	if d.LockOwner != "" {
		lock = entity.Locked
	}
	fields := entity.CloneFields(d.Fields)
	if fields == nil {
		fields = make(map[string]any)
	}
	return &entity.Record[K]{
		Key:       d.Key,
		Version:   d.Version,
		State:     entity.Persistent,
		Lock:      lock,
		Fields:    fields,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

// Clone returns a copy with its own field map.
func (d *Document[K]) Clone() *Document[K] {
	c := *d
	c.Fields = entity.CloneFields(d.Fields)
	return &c
}

// CheckWrite applies the version check followed by the lock check shared by
// Update, Delete and Lock.
func CheckWrite[K key.Key](entityType string, d *Document[K], expected int64, owner string) error {
	if d.Version != expected {
		return errors.NewStaleEntityError(entityType, key.Format(d.Key), expected, d.Version)
	}
	if d.LockOwner != "" && d.LockOwner != owner {
		return errors.NewLockedError(entityType, key.Format(d.Key), d.LockOwner)
	}
	return nil
}

// Apply stores the fields of rec as the next version of d.
func (d *Document[K]) Apply(rec *entity.Record[K], now time.Time) {
	d.Fields = entity.CloneFields(rec.Fields)
	d.Version++
	d.UpdatedAt = strfmt.DateTime(now.UTC())
}

// StreamRecords emits the records matching crit on a channel, honouring the
// limit, page size and progress options. It is the query path of backends
// that evaluate criteria in process.
func StreamRecords[K key.Key](ctx context.Context, recs []*entity.Record[K], crit storagemodels.Criteria, opts ...storagemodels.StreamOption) <-chan storagemodels.StreamResult[*entity.Record[K]] {
	options := storagemodels.ApplyStreamOptions(opts...)
	out := make(chan storagemodels.StreamResult[*entity.Record[K]], options.BufferSize)

	go func() {
		defer close(out)

		progress := storagemodels.NewProgressTracker(options.ProgressHandler)
		pageSize := int64(options.PageSize)
		for _, rec := range recs {
			index := progress.Items()
			if crit.Limit > 0 && index >= int64(crit.Limit) {
				break
			}
			if !crit.Match(rec.Fields) {
				continue
			}
			result := storagemodels.StreamResult[*entity.Record[K]]{
				Item: rec,
				Meta: storagemodels.StreamMeta{
					Index:      index,
					PageNumber: int(index/pageSize) + 1,
					Timestamp:  time.Now(),
				},
			}
			select {
			case <-ctx.Done():
				return
			case out <- result:
			}
			progress.Item()

			if (index+1)%pageSize == 0 {
				progress.Page()
				progress.Report()
			}
		}
		if progress.Items()%pageSize != 0 {
			progress.Page()
			progress.Report()
		}
	}()

	return out
}

// StreamError returns a closed channel carrying err as its only item.
func StreamError[K key.Key](err error) <-chan storagemodels.StreamResult[*entity.Record[K]] {
	out := make(chan storagemodels.StreamResult[*entity.Record[K]], 1)
	out <- storagemodels.StreamResult[*entity.Record[K]]{Error: err}
	close(out)
	return out
}
