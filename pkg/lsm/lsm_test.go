package lsm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openEngine(t *testing.T, opts Options) *LSMEngine {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	e, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngineReadYourWrites(t *testing.T) {
	e := openEngine(t, Options{MemTableMaxBytes: 1 << 20})

	require.NoError(t, e.Put([]byte("k1"), []byte("v1")))
	r, err := e.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, Found, r.State)
	assert.Equal(t, []byte("v1"), r.Value)
}

func TestEngineDeleteShadowsOlderValue(t *testing.T) {
	e := openEngine(t, Options{MemTableMaxBytes: 1 << 20})

	require.NoError(t, e.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, e.Delete([]byte("k1")))

	r, err := e.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, Tombstone, r.State)
}

func TestEngineFlushPreservesContents(t *testing.T) {
	// A tiny MemTable forces an immediate flush on the first write.
	e := openEngine(t, Options{MemTableMaxBytes: 1})

	for i := 0; i < 20; i++ {
		require.NoError(t, e.Put([]byte(fmt.Sprintf("key-%03d", i)), []byte(fmt.Sprintf("val-%d", i))))
	}

	require.Eventually(t, func() bool {
		levels := e.Levels()
		return len(levels) > 0 && levels[0] > 0
	}, time.Second, 5*time.Millisecond)

	for i := 0; i < 20; i++ {
		r, err := e.Get([]byte(fmt.Sprintf("key-%03d", i)))
		require.NoError(t, err)
		require.Equal(t, Found, r.State)
		assert.Equal(t, fmt.Sprintf("val-%d", i), string(r.Value))
	}
}

func TestEngineCompactionPreservesVisibleState(t *testing.T) {
	e := openEngine(t, Options{MemTableMaxBytes: 64, Level0FileLimit: 2})

	for round := 0; round < 6; round++ {
		for i := 0; i < 5; i++ {
			key := fmt.Sprintf("r%d-k%d", round, i)
			require.NoError(t, e.Put([]byte(key), []byte("value")))
		}
	}

	require.Eventually(t, func() bool {
		levels := e.Levels()
		return len(levels) > 1 && levels[1] > 0
	}, 2*time.Second, 5*time.Millisecond)

	for round := 0; round < 6; round++ {
		for i := 0; i < 5; i++ {
			key := fmt.Sprintf("r%d-k%d", round, i)
			r, err := e.Get([]byte(key))
			require.NoError(t, err)
			require.Equal(t, Found, r.State, key)
		}
	}
}

func TestEngineRecoversSSTablesOnReopen(t *testing.T) {
	dir := t.TempDir()

	e1 := openEngine(t, Options{Dir: dir, MemTableMaxBytes: 1})
	require.NoError(t, e1.Put([]byte("a"), []byte("1")))
	require.Eventually(t, func() bool {
		levels := e1.Levels()
		return len(levels) > 0 && levels[0] > 0
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, e1.Close())

	e2 := openEngine(t, Options{Dir: dir, MemTableMaxBytes: 1 << 20})
	r, err := e2.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, Found, r.State)
	assert.Equal(t, []byte("1"), r.Value)
}

// TestEnginePutThenGetProperty is the property-based read-your-writes check
// over randomized key/value sequences (spec §8 invariant 1).
func TestEnginePutThenGetProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("every written key reads back its last value", prop.ForAll(
		func(keys []string, values []string) bool {
			if len(keys) == 0 || len(values) == 0 {
				return true
			}
			e := openEngine(t, Options{MemTableMaxBytes: 1 << 20})
			defer e.Close()

			want := make(map[string]string)
			for i, k := range keys {
				if k == "" {
					continue
				}
				v := values[i%len(values)]
				if err := e.Put([]byte(k), []byte(v)); err != nil {
					return false
				}
				want[k] = v
			}

			for k, v := range want {
				r, err := e.Get([]byte(k))
				if err != nil || r.State != Found || string(r.Value) != v {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
