package batch

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-rpccache/types"
)

func newTestManager(t *testing.T, config *types.BatchConfig) *Manager {
	t.Helper()

	m := NewManager(config, nil, nil)
	t.Cleanup(m.Destroy)

	return m
}

func TestManager_Dedup(t *testing.T) {
	t.Run("SharedValue", func(t *testing.T) {
		m := newTestManager(t, &types.BatchConfig{MaxBatchSize: 100, BatchTimeout: 20 * time.Millisecond})

		var calls atomic.Int32
		op := func() (interface{}, error) {
			calls.Add(1)
			time.Sleep(20 * time.Millisecond)
			return "price", nil
		}

		const callers = 20
		results := make([]interface{}, callers)

		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				value, err := m.Batch("oracle", "price:LUKAS", op)
				assert.NoError(t, err)
				results[i] = value
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), calls.Load())
		for _, value := range results {
			assert.Equal(t, "price", value)
		}
	})

	t.Run("SharedError", func(t *testing.T) {
		m := newTestManager(t, nil)

		failure := errors.New("node unavailable")

		var calls atomic.Int32
		op := func() (interface{}, error) {
			calls.Add(1)
			time.Sleep(10 * time.Millisecond)
			return nil, failure
		}

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := m.Batch("oracle", "same", op)
				assert.ErrorIs(t, err, failure)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("LateDuplicateWithinWindow", func(t *testing.T) {
		m := newTestManager(t, &types.BatchConfig{DedupWindow: 200 * time.Millisecond})

		var calls atomic.Int32
		op := func() (interface{}, error) {
			return calls.Add(1), nil
		}

		first, err := m.Batch("k", "r", op)
		require.NoError(t, err)

		second, err := m.Batch("k", "r", op)
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("ExpiresAfterWindow", func(t *testing.T) {
		m := newTestManager(t, &types.BatchConfig{DedupWindow: 10 * time.Millisecond})

		var calls atomic.Int32
		op := func() (interface{}, error) {
			return calls.Add(1), nil
		}

		_, err := m.Batch("k", "r", op)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			value, err := m.Batch("k", "r", op)
			return err == nil && value == int32(2)
		}, time.Second, 20*time.Millisecond)
	})

	t.Run("ZeroWindowUsesDefault", func(t *testing.T) {
		m := newTestManager(t, &types.BatchConfig{MaxBatchSize: 5, DedupWindow: 0})
		assert.Equal(t, DefaultDedupWindow, m.config.DedupWindow)

		var calls atomic.Int32
		op := func() (interface{}, error) {
			return calls.Add(1), nil
		}

		first, err := m.Batch("k", "r", op)
		require.NoError(t, err)

		second, err := m.Batch("k", "r", op)
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("NegativeWindowDisablesGrace", func(t *testing.T) {
		m := newTestManager(t, &types.BatchConfig{DedupWindow: -1})

		var calls atomic.Int32
		op := func() (interface{}, error) {
			return calls.Add(1), nil
		}

		first, err := m.Batch("k", "r", op)
		require.NoError(t, err)

		second, err := m.Batch("k", "r", op)
		require.NoError(t, err)

		assert.Equal(t, int32(1), first)
		assert.Equal(t, int32(2), second)
	})

	t.Run("EmptyRequestIDNeverDedups", func(t *testing.T) {
		m := newTestManager(t, nil)

		var calls atomic.Int32
		op := func() (interface{}, error) {
			calls.Add(1)
			return nil, nil
		}

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = m.Batch("k", "", op)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(4), calls.Load())
	})
}

func TestManager_SiblingsAreIndependent(t *testing.T) {
	m := newTestManager(t, &types.BatchConfig{MaxBatchSize: 100, BatchTimeout: 20 * time.Millisecond})

	var (
		wg      sync.WaitGroup
		calls   atomic.Int32
		mu      sync.Mutex
		results = make(map[string]error)
		values  = make(map[string]interface{})
	)

	for i := 0; i < 6; i++ {
		requestID := fmt.Sprintf("req-%d", i)
		shouldFail := i%2 == 0

		wg.Add(1)
		go func() {
			defer wg.Done()
			value, err := m.Batch("balances", requestID, func() (interface{}, error) {
				calls.Add(1)
				if shouldFail {
					return nil, errors.New("failed " + requestID)
				}
				return "ok " + requestID, nil
			})

			mu.Lock()
			results[requestID] = err
			values[requestID] = value
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(6), calls.Load())
	for i := 0; i < 6; i++ {
		requestID := fmt.Sprintf("req-%d", i)
		if i%2 == 0 {
			assert.EqualError(t, results[requestID], "failed "+requestID)
			assert.Nil(t, values[requestID])
		} else {
			assert.NoError(t, results[requestID])
			assert.Equal(t, "ok "+requestID, values[requestID])
		}
	}
}

func TestManager_Triggers(t *testing.T) {
	t.Run("SizeTriggerSkipsTimer", func(t *testing.T) {
		m := newTestManager(t, &types.BatchConfig{MaxBatchSize: 3, BatchTimeout: time.Hour})

		var wg sync.WaitGroup
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				value, err := m.Batch("k", fmt.Sprint(i), func() (interface{}, error) {
					return i, nil
				})
				assert.NoError(t, err)
				assert.Equal(t, i, value)
			}(i)
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("full batch was not executed")
		}
	})

	t.Run("FlushExecutesPending", func(t *testing.T) {
		m := newTestManager(t, &types.BatchConfig{MaxBatchSize: 100, BatchTimeout: time.Hour})

		result := make(chan interface{}, 1)
		go func() {
			value, _ := m.Batch("k", "r", func() (interface{}, error) {
				return "flushed", nil
			})
			result <- value
		}()

		require.Eventually(t, func() bool {
			return m.GetPendingCount() == 1
		}, time.Second, time.Millisecond)

		m.Flush()

		assert.Equal(t, "flushed", <-result)
		assert.Zero(t, m.GetPendingCount())
	})

	t.Run("ClearRejectsPending", func(t *testing.T) {
		m := newTestManager(t, &types.BatchConfig{MaxBatchSize: 100, BatchTimeout: time.Hour})

		var called atomic.Bool
		result := make(chan error, 1)
		go func() {
			_, err := m.Batch("k", "r", func() (interface{}, error) {
				called.Store(true)
				return nil, nil
			})
			result <- err
		}()

		require.Eventually(t, func() bool {
			return m.GetPendingCount() == 1
		}, time.Second, time.Millisecond)

		m.Clear()

		assert.ErrorIs(t, <-result, types.ErrBatchCleared)
		assert.False(t, called.Load())
		assert.Zero(t, m.GetPendingCount())
	})
}

func TestManager_Errors(t *testing.T) {
	m := newTestManager(t, nil)

	t.Run("Validation", func(t *testing.T) {
		_, err := m.Batch("", "r", func() (interface{}, error) { return nil, nil })
		assert.ErrorIs(t, err, types.ErrBatchKeyEmpty)

		_, err = m.Batch("k", "r", nil)
		assert.ErrorIs(t, err, types.ErrOperationIsNil)
	})

	t.Run("Panic", func(t *testing.T) {
		_, err := m.Batch("k", "panics", func() (interface{}, error) {
			panic("boom")
		})
		assert.ErrorIs(t, err, types.ErrOperationPanicked)
	})

	t.Run("AfterDestroy", func(t *testing.T) {
		stopped := NewManager(nil, nil, nil)
		stopped.Destroy()
		stopped.Destroy()

		_, err := stopped.Batch("k", "r", func() (interface{}, error) { return nil, nil })
		assert.ErrorIs(t, err, types.ErrBatchManagerStopped)
	})
}

func TestManager_Forget(t *testing.T) {
	m := newTestManager(t, &types.BatchConfig{DedupWindow: time.Hour})

	var calls atomic.Int32
	op := func() (interface{}, error) {
		return calls.Add(1), nil
	}

	for _, id := range []string{"balance:0x1", "balance:0x1:ETH", "price:ETH"} {
		_, err := m.Batch("rpc", id, op)
		require.NoError(t, err)
	}
	require.Equal(t, int32(3), calls.Load())

	assert.Zero(t, m.Forget("rpc", nil))
	assert.Zero(t, m.Forget("other", regexp.MustCompile(`^balance:`)))
	assert.Equal(t, 2, m.Forget("rpc", regexp.MustCompile(`^balance:`)))

	value, err := m.Batch("rpc", "price:ETH", op)
	require.NoError(t, err)
	assert.Equal(t, int32(3), value)

	value, err = m.Batch("rpc", "balance:0x1", op)
	require.NoError(t, err)
	assert.Equal(t, int32(4), value)
}

func TestDo(t *testing.T) {
	m := newTestManager(t, nil)

	t.Run("Typed", func(t *testing.T) {
		value, err := Do(m, "prices", "ETH", func() (float64, error) {
			return 3120.55, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3120.55, value)
	})

	t.Run("Error", func(t *testing.T) {
		failure := errors.New("rpc failed")
		value, err := Do(m, "prices", "BTC", func() (float64, error) {
			return 0, failure
		})
		assert.ErrorIs(t, err, failure)
		assert.Zero(t, value)
	})

	t.Run("TypeMismatchOnSharedKey", func(t *testing.T) {
		_, err := Do(m, "mixed", "k", func() (int, error) {
			return 1, nil
		})
		require.NoError(t, err)

		_, err = Do(m, "mixed", "k", func() (string, error) {
			return "never runs", nil
		})
		assert.ErrorIs(t, err, types.ErrCacheTypeMismatch)
	})
}

func TestGenerateKey(t *testing.T) {
	assert.Equal(t, "balance:0xabc:ETH", GenerateKey("balance", "0xabc", "ETH"))
}
