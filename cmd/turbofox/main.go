// turbofox is an interactive CLI for turbocache directories.
//
// Usage:
//
//	turbofox [opts] <cache-dir>
//
// Options:
//
//	-c, --capacity     Bucket slot capacity for a new directory (power of two)
//	    --config       Config file path (default: .turbofox.json next to the dir)
//	    --log-level    Log level: debug, info, warn, error (default: warn)
//
// Commands (in REPL):
//
//	set <key> <value>       Insert or update an entry
//	get <key>               Retrieve an entry by key
//	del <key>               Remove an entry
//	scan [limit]            List entries
//	len                     Count live entries
//	info                    Show per-shard statistics
//	bulk <count> [prefix]   Insert N random entries
//	bench <count>           Benchmark set+get performance
//	flush                   Sync all shards to disk
//	help                    Show this help
//	exit / quit / q         Exit
package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"

	"github.com/frozen-lab/turbofox-sub000/pkg/turbocache"
)

// configFileName is the optional per-directory config file, in JSONC.
const configFileName = ".turbofox.json"

// fileConfig is the subset of options settable from the config file. Flags
// take precedence over file values.
type fileConfig struct {
	Capacity uint64 `json:"capacity"`
	LogLevel string `json:"log_level"`
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("turbofox", flag.ExitOnError)

	capacity := fs.Uint64P("capacity", "c", 0, "bucket slot capacity for a new directory")
	configPath := fs.String("config", "", "config file path")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: turbofox [options] <cache-dir>\n\n")
		fmt.Fprintf(os.Stderr, "Open or create a turbocache directory and start an interactive shell.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		fs.Usage()

		return errors.New("missing cache directory path")
	}

	dir := fs.Arg(0)

	cfg, err := loadConfig(dir, *configPath)
	if err != nil {
		return err
	}

	if *capacity == 0 {
		*capacity = cfg.Capacity
	}

	if *logLevel == "" {
		*logLevel = cfg.LogLevel
	}

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cache, err := turbocache.Open(turbocache.Options{
		Dir:             dir,
		InitialCapacity: *capacity,
		Logger:          log,
	})
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer cache.Close()

	repl := &REPL{cache: cache, dir: dir}

	return repl.Run()
}

// loadConfig reads the config file. An explicit --config path must exist;
// the default path next to the cache directory is optional.
func loadConfig(dir, path string) (fileConfig, error) {
	mustExist := path != ""
	if path == "" {
		path = filepath.Join(filepath.Dir(filepath.Clean(dir)), configFileName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return fileConfig{}, nil
		}

		return fileConfig{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fileConfig{}, fmt.Errorf("config %s: invalid JSONC: %w", path, err)
	}

	var cfg fileConfig

	unmarshalErr := json.Unmarshal(standardized, &cfg)
	if unmarshalErr != nil {
		return fileConfig{}, fmt.Errorf("config %s: %w", path, unmarshalErr)
	}

	return cfg, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "", "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// REPL is the interactive command loop.
type REPL struct {
	cache *turbocache.Cache
	dir   string
	liner *liner.State
}

// historyFile returns the path to the history file.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".turbofox_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("turbofox - turbocache CLI (%s, %d entries)\n", r.dir, r.cache.Len())
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("turbofox> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")

			r.saveHistory()

			return nil

		case "help", "?":
			r.printHelp()

		case "set", "put":
			r.cmdSet(args)

		case "get":
			r.cmdGet(args)

		case "del", "delete", "rm":
			r.cmdDel(args)

		case "scan", "ls", "list":
			r.cmdScan(args)

		case "len", "count":
			fmt.Printf("Live entries: %d\n", r.cache.Len())

		case "info":
			r.cmdInfo()

		case "bulk":
			r.cmdBulk(args)

		case "bench":
			r.cmdBench(args)

		case "flush", "sync":
			r.cmdFlush()

		case "clear", "cls":
			fmt.Print("\033[H\033[2J")

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

// saveHistory persists command history to disk.
func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

// completer provides tab completion for commands.
func (r *REPL) completer(line string) []string {
	commands := []string{
		"set", "put", "get", "del", "delete", "rm",
		"scan", "ls", "list", "len", "count",
		"info", "bulk", "bench", "flush", "sync",
		"clear", "cls", "help", "exit", "quit", "q",
	}

	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  set <key> <value>       Insert or update an entry")
	fmt.Println("  get <key>               Retrieve an entry by key")
	fmt.Println("  del <key>               Remove an entry")
	fmt.Println("  scan [limit]            List entries")
	fmt.Println("  len                     Count live entries")
	fmt.Println("  info                    Show per-shard statistics")
	fmt.Println("  bulk <count> [prefix]   Insert N random entries")
	fmt.Println("  bench <count>           Benchmark set+get performance")
	fmt.Println("  flush                   Sync all shards to disk")
	fmt.Println("  help                    Show this help")
	fmt.Println("  exit / quit / q         Exit")
	fmt.Println()
	fmt.Println("Keys and values are taken verbatim (UTF-8, no whitespace).")
}

// formatBytes formats a key or value for display: quoted text when
// printable, hex otherwise.
func formatBytes(b []byte) string {
	for _, c := range b {
		if c < 32 || c > 126 {
			return hex.EncodeToString(b)
		}
	}

	return fmt.Sprintf("%q", string(b))
}

func (r *REPL) cmdSet(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: set <key> <value>")

		return
	}

	err := r.cache.Set([]byte(args[0]), []byte(args[1]))
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: set %s\n", formatBytes([]byte(args[0])))
}

func (r *REPL) cmdGet(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: get <key>")

		return
	}

	val, found, err := r.cache.Get([]byte(args[0]))
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if !found {
		fmt.Println("(not found)")

		return
	}

	fmt.Printf("Value: %s (%d bytes)\n", formatBytes(val), len(val))
}

func (r *REPL) cmdDel(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: del <key>")

		return
	}

	old, found, err := r.cache.Remove([]byte(args[0]))
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if found {
		fmt.Printf("OK: removed %s (was %s)\n", formatBytes([]byte(args[0])), formatBytes(old))
	} else {
		fmt.Printf("OK: %s did not exist\n", formatBytes([]byte(args[0])))
	}
}

func (r *REPL) cmdScan(args []string) {
	limit := 20

	if len(args) >= 1 {
		var err error

		limit, err = strconv.Atoi(args[0])
		if err != nil {
			fmt.Printf("Error parsing limit: %v\n", err)

			return
		}
	}

	shown := 0

	for key, val := range r.cache.Items() {
		if shown >= limit {
			fmt.Printf("... (showing first %d, use 'scan <limit>' for more)\n", limit)

			break
		}

		shown++
		fmt.Printf("%3d. %s = %s\n", shown, formatBytes(key), formatBytes(val))
	}

	if shown == 0 {
		fmt.Println("(empty)")
	}
}

func (r *REPL) cmdInfo() {
	stats := r.cache.Stats()

	fmt.Printf("Cache Info:\n")
	fmt.Printf("  Directory:     %s\n", r.dir)
	fmt.Printf("  Live entries:  %d\n", r.cache.Len())
	fmt.Printf("  Shards:        %d\n", len(stats))
	fmt.Println()

	for _, s := range stats {
		fmt.Printf("  [%04x-%04x]  live=%-8d cap=%-8d data=%-10d garbage=%d\n",
			s.Start, s.End, s.Live, s.Capacity, s.DataBytes, s.GarbageBytes)
	}
}

func (r *REPL) cmdBulk(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: bulk <count> [prefix]")

		return
	}

	count, err := strconv.Atoi(args[0])
	if err != nil || count < 1 {
		fmt.Println("Error: count must be a positive integer")

		return
	}

	prefix := "bulk"
	if len(args) >= 2 {
		prefix = args[1]
	}

	start := time.Now()

	for i := range count {
		suffix := make([]byte, 8)
		rand.Read(suffix)

		key := fmt.Sprintf("%s-%x", prefix, suffix)
		val := fmt.Sprintf("value-%d", i)

		setErr := r.cache.Set([]byte(key), []byte(val))
		if setErr != nil {
			fmt.Printf("Error at entry %d: %v\n", i+1, setErr)

			return
		}
	}

	elapsed := time.Since(start)
	rate := float64(count) / elapsed.Seconds()
	fmt.Printf("OK: inserted %d entries in %v (%.0f ops/sec)\n", count, elapsed.Round(time.Millisecond), rate)
}

func (r *REPL) cmdBench(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: bench <count>")

		return
	}

	count, err := strconv.Atoi(args[0])
	if err != nil || count < 1 {
		fmt.Println("Error: count must be a positive integer")

		return
	}

	keys := make([][]byte, count)
	for i := range count {
		keys[i] = make([]byte, 16)
		rand.Read(keys[i])
	}

	fmt.Printf("Benchmarking %d operations...\n", count)

	value := []byte("benchmark-value-0123456789abcdef")

	setStart := time.Now()

	for i, key := range keys {
		setErr := r.cache.Set(key, value)
		if setErr != nil {
			fmt.Printf("Error at set %d: %v\n", i+1, setErr)

			return
		}
	}

	setElapsed := time.Since(setStart)

	getStart := time.Now()
	hits := 0

	for _, key := range keys {
		_, found, getErr := r.cache.Get(key)
		if getErr != nil {
			fmt.Printf("Error on get: %v\n", getErr)

			return
		}

		if found {
			hits++
		}
	}

	getElapsed := time.Since(getStart)

	fmt.Printf("\nResults:\n")
	fmt.Printf("  Sets:  %d ops in %v (%.0f ops/sec)\n",
		count, setElapsed.Round(time.Millisecond), float64(count)/setElapsed.Seconds())
	fmt.Printf("  Gets:  %d ops in %v (%.0f ops/sec), %d hits\n",
		count, getElapsed.Round(time.Millisecond), float64(count)/getElapsed.Seconds(), hits)
}

func (r *REPL) cmdFlush() {
	err := r.cache.Flush()
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Println("OK: all shards synced")
}
