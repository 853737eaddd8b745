// turbofox-bench runs a concurrent read/write workload against turbocache
// and, for comparison, the in-memory caches freecache and bigcache.
//
// Usage:
//
//	turbofox-bench [opts]
//
// Options:
//
//	    --dir          Cache directory for turbocache (default: temp dir)
//	    --engines      Comma-separated engines: turbocache,freecache,bigcache
//	-n, --ops          Total operations per engine (default: 1000000)
//	-w, --workers      Concurrent workers (default: GOMAXPROCS)
//	-k, --keys         Distinct keys in the workload (default: 100000)
//	    --value-size   Value size in bytes (default: 256)
//	    --read-ratio   Fraction of operations that are reads (default: 0.9)
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/coocood/freecache"
	"github.com/panjf2000/ants/v2"
	flag "github.com/spf13/pflag"

	"github.com/frozen-lab/turbofox-sub000/pkg/turbocache"
)

// benchCache is the minimal surface the workload needs from an engine.
type benchCache interface {
	Set(key, value []byte) error
	Get(key []byte) (found bool, err error)
}

type benchConfig struct {
	ops       int
	workers   int
	keys      int
	valueSize int
	readRatio float64
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("turbofox-bench", flag.ExitOnError)

	dir := fs.String("dir", "", "cache directory for turbocache (default: temp dir)")
	engines := fs.String("engines", "turbocache,freecache,bigcache", "comma-separated engines to run")
	ops := fs.IntP("ops", "n", 1_000_000, "total operations per engine")
	workers := fs.IntP("workers", "w", runtime.GOMAXPROCS(0), "concurrent workers")
	keys := fs.IntP("keys", "k", 100_000, "distinct keys in the workload")
	valueSize := fs.Int("value-size", 256, "value size in bytes")
	readRatio := fs.Float64("read-ratio", 0.9, "fraction of operations that are reads")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	if *readRatio < 0 || *readRatio > 1 {
		return errors.New("--read-ratio must be in [0, 1]")
	}

	cfg := benchConfig{
		ops:       *ops,
		workers:   *workers,
		keys:      *keys,
		valueSize: *valueSize,
		readRatio: *readRatio,
	}

	fmt.Printf("ops=%d workers=%d keys=%d value-size=%d read-ratio=%.2f\n\n",
		cfg.ops, cfg.workers, cfg.keys, cfg.valueSize, cfg.readRatio)

	for _, engine := range strings.Split(*engines, ",") {
		engine = strings.TrimSpace(engine)

		cache, cleanup, err := openEngine(engine, *dir, cfg)
		if err != nil {
			return fmt.Errorf("engine %s: %w", engine, err)
		}

		result, benchErr := runWorkload(cache, cfg)

		cleanup()

		if benchErr != nil {
			return fmt.Errorf("engine %s: %w", engine, benchErr)
		}

		fmt.Printf("%-12s %s\n", engine, result)
	}

	return nil
}

// openEngine builds the named engine plus a cleanup func.
func openEngine(name, dir string, cfg benchConfig) (benchCache, func(), error) {
	switch name {
	case "turbocache":
		if dir == "" {
			tmp, err := os.MkdirTemp("", "turbofox-bench-*")
			if err != nil {
				return nil, nil, err
			}

			cache, err := turbocache.Open(turbocache.Options{Dir: tmp})
			if err != nil {
				return nil, nil, err
			}

			return &turboAdapter{cache}, func() {
				_ = cache.Close()
				_ = os.RemoveAll(tmp)
			}, nil
		}

		cache, err := turbocache.Open(turbocache.Options{Dir: dir})
		if err != nil {
			return nil, nil, err
		}

		return &turboAdapter{cache}, func() { _ = cache.Close() }, nil

	case "freecache":
		size := cfg.keys * (cfg.valueSize + 64)

		return &freecacheAdapter{freecache.NewCache(size)}, func() {}, nil

	case "bigcache":
		bc, err := bigcache.New(context.Background(), bigcache.DefaultConfig(time.Hour))
		if err != nil {
			return nil, nil, err
		}

		return &bigcacheAdapter{bc}, func() { _ = bc.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown engine %q", name)
	}
}

type turboAdapter struct {
	c *turbocache.Cache
}

func (a *turboAdapter) Set(key, value []byte) error {
	return a.c.Set(key, value)
}

func (a *turboAdapter) Get(key []byte) (bool, error) {
	_, found, err := a.c.Get(key)

	return found, err
}

type freecacheAdapter struct {
	c *freecache.Cache
}

func (a *freecacheAdapter) Set(key, value []byte) error {
	return a.c.Set(key, value, 0)
}

func (a *freecacheAdapter) Get(key []byte) (bool, error) {
	_, err := a.c.Get(key)
	if err != nil {
		if errors.Is(err, freecache.ErrNotFound) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

type bigcacheAdapter struct {
	c *bigcache.BigCache
}

func (a *bigcacheAdapter) Set(key, value []byte) error {
	return a.c.Set(string(key), value)
}

func (a *bigcacheAdapter) Get(key []byte) (bool, error) {
	_, err := a.c.Get(string(key))
	if err != nil {
		if errors.Is(err, bigcache.ErrEntryNotFound) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

type benchResult struct {
	elapsed time.Duration
	sets    uint64
	gets    uint64
	hits    uint64
}

func (r benchResult) String() string {
	total := r.sets + r.gets
	rate := float64(total) / r.elapsed.Seconds()

	hitRate := 0.0
	if r.gets > 0 {
		hitRate = float64(r.hits) / float64(r.gets) * 100
	}

	return fmt.Sprintf("%d ops in %v (%.0f ops/sec), sets=%d gets=%d hitRate=%.1f%%",
		total, r.elapsed.Round(time.Millisecond), rate, r.sets, r.gets, hitRate)
}

// runWorkload drives cfg.ops randomized operations through a worker pool.
func runWorkload(cache benchCache, cfg benchConfig) (benchResult, error) {
	pool, err := ants.NewPool(cfg.workers)
	if err != nil {
		return benchResult{}, err
	}
	defer pool.Release()

	value := make([]byte, cfg.valueSize)
	for i := range value {
		value[i] = byte(i)
	}

	var (
		wg       sync.WaitGroup
		sets     atomic.Uint64
		gets     atomic.Uint64
		hits     atomic.Uint64
		firstErr atomic.Pointer[error]
	)

	opsPerTask := cfg.ops / cfg.workers
	start := time.Now()

	for task := range cfg.workers {
		wg.Add(1)

		submitErr := pool.Submit(func() {
			defer wg.Done()

			rng := rand.New(rand.NewPCG(uint64(task), 0xbe7c4))

			for range opsPerTask {
				key := fmt.Appendf(nil, "bench-key-%d", rng.IntN(cfg.keys))

				if rng.Float64() < cfg.readRatio {
					gets.Add(1)

					found, getErr := cache.Get(key)
					if getErr != nil {
						firstErr.CompareAndSwap(nil, &getErr)

						return
					}

					if found {
						hits.Add(1)
					}

					continue
				}

				sets.Add(1)

				setErr := cache.Set(key, value)
				if setErr != nil {
					firstErr.CompareAndSwap(nil, &setErr)

					return
				}
			}
		})
		if submitErr != nil {
			wg.Done()

			return benchResult{}, submitErr
		}
	}

	wg.Wait()

	if errPtr := firstErr.Load(); errPtr != nil {
		return benchResult{}, *errPtr
	}

	return benchResult{
		elapsed: time.Since(start),
		sets:    sets.Load(),
		gets:    gets.Load(),
		hits:    hits.Load(),
	}, nil
}
