/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package key

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/suparena/entitydao/errors"
)

// Sequence hands out strictly increasing integer keys starting at 1.
// It is safe for concurrent use.
type Sequence[K Integer] struct {
	mu        sync.Mutex
	last      K
	exhausted bool
}

// NewSequence creates a sequence whose first key is 1.
func NewSequence[K Integer]() *Sequence[K] {
	return &Sequence[K]{}
}

// NewSequenceFrom creates a sequence whose first key is last+1.
func NewSequenceFrom[K Integer](last K) *Sequence[K] {
	return &Sequence[K]{last: last}
}

// NextKey returns the next key or ErrExhaustedKeySpace once the type's maximum was handed out.
func (s *Sequence[K]) NextKey() (K, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exhausted || s.last == maxValue[K]() {
		s.exhausted = true
		var zero K
		return zero, fmt.Errorf("%s sequence at %d: %w", KindOf[K](), s.last, errors.ErrExhaustedKeySpace)
	}
	s.last++
	return s.last, nil
}

// Last returns the most recently issued (or restored) key.
func (s *Sequence[K]) Last() K {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Restore raises the sequence to the highest key reported by probe.
// It never lowers the sequence, so keys are not reused.
func (s *Sequence[K]) Restore(ctx context.Context, probe Probe[K]) error {
	highest, ok, err := probe.MaxKey(ctx)
	if err != nil {
		return fmt.Errorf("probe key space: %w", err)
	}
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if highest > s.last {
		s.last = highest
	}
	return nil
}

func maxValue[K Integer]() K {
	var zero K
	switch any(zero).(type) {
	case int32:
		return any(int32(math.MaxInt32)).(K)
	default:
		return any(int64(math.MaxInt64)).(K)
	}
}

// UUIDGenerator produces random, globally unique string keys.
type UUIDGenerator struct{}

// NextKey returns a time ordered UUID (v7), falling back to v4.
func (UUIDGenerator) NextKey() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		id, err = uuid.NewRandom()
		if err != nil {
			return "", fmt.Errorf("generate uuid: %w", err)
		}
	}
	return id.String(), nil
}

// HashGenerator derives string keys from a content hash of a seed and a counter.
// Keys are unique for the lifetime of the generator; two generators with the
// same seed produce the same keys.
type HashGenerator struct {
	mu      sync.Mutex
	seed    []byte
	counter uint64
}

// NewHashGenerator creates a HashGenerator for seed.
func NewHashGenerator(seed string) *HashGenerator {
	return &HashGenerator{seed: []byte(seed)}
}

// NextKey returns the hex encoded sha256 of seed||counter, truncated to 128 bits.
func (g *HashGenerator) NextKey() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.counter == math.MaxUint64 {
		return "", fmt.Errorf("hash generator: %w", errors.ErrExhaustedKeySpace)
	}
	g.counter++

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], g.counter)
	h := sha256.New()
	h.Write(g.seed)
	h.Write(buf[:])
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16]), nil
}

var (
	_ Generator[int32]  = (*Sequence[int32])(nil)
	_ Generator[int64]  = (*Sequence[int64])(nil)
	_ Restorer[int64]   = (*Sequence[int64])(nil)
	_ Generator[string] = UUIDGenerator{}
	_ Generator[string] = (*HashGenerator)(nil)
)
