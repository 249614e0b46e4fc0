package concurrency

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateBoundsConcurrency(t *testing.T) {
	gate := NewGate(2)
	var current, max int64

	items := make([]int, 20)
	err := ForEach(context.Background(), gate, items, func(ctx context.Context, _ int) error {
		n := atomic.AddInt64(&current, 1)
		for {
			m := atomic.LoadInt64(&max)
			if n <= m || atomic.CompareAndSwapInt64(&max, m, n) {
				break
			}
		}
		atomic.AddInt64(&current, -1)
		return nil
	})

	require.NoError(t, err)
	assert.LessOrEqual(t, int(max), 2)
}

func TestForEachPropagatesFirstError(t *testing.T) {
	gate := NewGate(4)
	boom := errors.New("boom")

	items := []int{1, 2, 3}
	err := ForEach(context.Background(), gate, items, func(ctx context.Context, i int) error {
		if i == 2 {
			return boom
		}
		return nil
	})

	require.Error(t, err)
}

func TestNewGateUnbounded(t *testing.T) {
	gate := NewGate(0)
	assert.NotNil(t, gate)
}
