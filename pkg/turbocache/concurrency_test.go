package turbocache_test

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/frozen-lab/turbofox-sub000/pkg/turbocache"
)

func Test_Cache_Concurrent_Writers_With_Disjoint_Keys(t *testing.T) {
	t.Parallel()

	const (
		writers       = 8
		opsPerWriter  = 500
		keysPerWriter = 64
	)

	cache := openTestCache(t, turbocache.Options{InitialCapacity: 64})

	expected := make([]map[string]string, writers)

	var wg sync.WaitGroup

	for w := range writers {
		expected[w] = map[string]string{}

		wg.Add(1)

		go func() {
			defer wg.Done()

			rng := rand.New(rand.NewPCG(uint64(w), 0x5eed))
			mine := expected[w]

			for op := range opsPerWriter {
				key := fmt.Sprintf("w%d-key-%d", w, rng.IntN(keysPerWriter))

				if rng.IntN(4) == 0 {
					_, _, err := cache.Remove([]byte(key))
					if err != nil {
						t.Error(err)

						return
					}

					delete(mine, key)

					continue
				}

				val := fmt.Sprintf("w%d-val-%d", w, op)

				err := cache.Set([]byte(key), []byte(val))
				if err != nil {
					t.Error(err)

					return
				}

				mine[key] = val
			}
		}()
	}

	wg.Wait()

	var want uint64

	for w := range writers {
		want += uint64(len(expected[w]))

		for key, val := range expected[w] {
			got, found, err := cache.Get([]byte(key))
			require.NoError(t, err)
			require.True(t, found, "key %q lost under concurrency", key)
			require.Equal(t, val, string(got))
		}
	}

	require.Equal(t, want, cache.Len())
}

func Test_Cache_Readers_Run_Alongside_Writers(t *testing.T) {
	t.Parallel()

	cache := openTestCache(t, turbocache.Options{InitialCapacity: 64})

	for i := range 100 {
		require.NoError(t, cache.Set(fmt.Appendf(nil, "stable-%d", i), []byte("fixed")))
	}

	var wg sync.WaitGroup

	// Writers churn their own keyspace, forcing splits underneath the readers.
	for w := range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range 300 {
				key := fmt.Appendf(nil, "churn-%d-%d", w, i)
				if err := cache.Set(key, []byte("x")); err != nil {
					t.Error(err)

					return
				}
			}
		}()
	}

	for range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			rng := rand.New(rand.NewPCG(7, 7))

			for range 1000 {
				key := fmt.Appendf(nil, "stable-%d", rng.IntN(100))

				val, found, err := cache.Get(key)
				if err != nil {
					t.Error(err)

					return
				}

				if !found || string(val) != "fixed" {
					t.Errorf("stable key %q: found=%v val=%q", key, found, val)

					return
				}
			}
		}()
	}

	wg.Wait()
}

func Test_Cache_Concurrent_Items_Snapshot_Is_Consistent(t *testing.T) {
	t.Parallel()

	cache := openTestCache(t, turbocache.Options{InitialCapacity: 64})

	for i := range 200 {
		require.NoError(t, cache.Set(fmt.Appendf(nil, "key-%d", i), []byte("v")))
	}

	var wg sync.WaitGroup

	for range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			count := 0
			for range cache.Items() {
				count++
			}

			if count != 200 {
				t.Errorf("iteration saw %d entries, want 200", count)
			}
		}()
	}

	wg.Wait()
}
