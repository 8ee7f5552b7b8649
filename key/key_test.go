/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package key

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suparena/entitydao/errors"
)

type fixedProbe[K Key] struct {
	max K
	ok  bool
	err error
}

func (p fixedProbe[K]) MaxKey(ctx context.Context) (K, bool, error) {
	return p.max, p.ok, p.err
}

func TestSequenceIsStrictlyIncreasing(t *testing.T) {
	seq := NewSequence[int64]()

	var prev int64
	for i := 0; i < 100; i++ {
		k, err := seq.NextKey()
		require.NoError(t, err)
		assert.Greater(t, k, prev)
		prev = k
	}
	assert.Equal(t, int64(100), seq.Last())
}

func TestSequenceStartsAtOne(t *testing.T) {
	k, err := NewSequence[int32]().NextKey()
	require.NoError(t, err)
	assert.Equal(t, int32(1), k)
}

func TestSequenceConcurrentUniqueness(t *testing.T) {
	seq := NewSequence[int32]()
	const workers, perWorker = 8, 250

	var mu sync.Mutex
	seen := make(map[int32]struct{}, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				k, err := seq.NextKey()
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				seen[k] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
	assert.Equal(t, int32(workers*perWorker), seq.Last())
}

func TestSequenceOverflow(t *testing.T) {
	t.Run("Int32", func(t *testing.T) {
		seq := NewSequenceFrom[int32](math.MaxInt32 - 1)
		k, err := seq.NextKey()
		require.NoError(t, err)
		assert.Equal(t, int32(math.MaxInt32), k)

		_, err = seq.NextKey()
		assert.ErrorIs(t, err, errors.ErrExhaustedKeySpace)
		_, err = seq.NextKey()
		assert.ErrorIs(t, err, errors.ErrExhaustedKeySpace, "exhaustion is permanent")
		assert.Equal(t, int32(math.MaxInt32), seq.Last())
	})

	t.Run("Int64", func(t *testing.T) {
		seq := NewSequenceFrom[int64](math.MaxInt64)
		_, err := seq.NextKey()
		assert.ErrorIs(t, err, errors.ErrExhaustedKeySpace)
	})
}

func TestSequenceRestore(t *testing.T) {
	ctx := context.Background()

	seq := NewSequence[int64]()
	require.NoError(t, seq.Restore(ctx, fixedProbe[int64]{max: 41, ok: true}))
	k, err := seq.NextKey()
	require.NoError(t, err)
	assert.Equal(t, int64(42), k)

	// never lowers
	require.NoError(t, seq.Restore(ctx, fixedProbe[int64]{max: 3, ok: true}))
	k, _ = seq.NextKey()
	assert.Equal(t, int64(43), k)

	// empty backend
	require.NoError(t, seq.Restore(ctx, fixedProbe[int64]{}))
	assert.Equal(t, int64(43), seq.Last())

	err = seq.Restore(ctx, fixedProbe[int64]{err: fmt.Errorf("boom")})
	assert.Error(t, err)
}

func TestStringGenerators(t *testing.T) {
	t.Run("UUID", func(t *testing.T) {
		gen := UUIDGenerator{}
		seen := map[string]bool{}
		for i := 0; i < 50; i++ {
			k, err := gen.NextKey()
			require.NoError(t, err)
			assert.Len(t, k, 36)
			assert.False(t, seen[k])
			seen[k] = true
		}
	})

	t.Run("Hash", func(t *testing.T) {
		a := NewHashGenerator("companies")
		b := NewHashGenerator("companies")
		ka1, _ := a.NextKey()
		ka2, _ := a.NextKey()
		kb1, _ := b.NextKey()

		assert.NotEqual(t, ka1, ka2)
		assert.Equal(t, ka1, kb1, "same seed yields the same sequence")
		assert.Len(t, ka1, 32)
	})
}

func TestFormatParse(t *testing.T) {
	assert.Equal(t, "42", Format[int32](42))
	assert.Equal(t, "-7", Format[int64](-7))
	assert.Equal(t, "acme", Format("acme"))

	n, err := Parse[int64]("9000000000")
	require.NoError(t, err)
	assert.Equal(t, int64(9000000000), n)

	_, err = Parse[int32]("9000000000")
	assert.Error(t, err)

	_, err = Parse[string]("")
	assert.Error(t, err)
}

func TestKinds(t *testing.T) {
	assert.Equal(t, KindInt32, KindOf[int32]())
	assert.Equal(t, KindInt64, KindOf[int64]())
	assert.Equal(t, KindString, KindOf[string]())

	k, err := ParseKind("long")
	require.NoError(t, err)
	assert.Equal(t, KindInt64, k)
	assert.Equal(t, "int64", k.String())

	_, err = ParseKind("decimal")
	assert.Error(t, err)
}
