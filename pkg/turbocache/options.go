package turbocache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	natomic "github.com/natefinch/atomic"
)

// Options configures opening or creating a cache directory.
//
// Options is passed by value and never mutated by the engine.
type Options struct {
	// Dir is the cache directory. Required; created if missing.
	Dir string

	// InitialCapacity is the slot capacity of every bucket file.
	//
	// Must be a power of two in [64, 1<<26]. Zero adopts the capacity
	// recorded in the directory, or the default (1024) for a fresh one.
	// Fixed at creation time: reopening with a different non-zero capacity
	// returns [ErrIncompatible].
	InitialCapacity uint64

	// Logger receives leveled, fire-and-forget records about opens, splits
	// and destructive recovery. Nil selects [slog.Default].
	Logger *slog.Logger
}

// DefaultCapacity is the bucket capacity used when Options.InitialCapacity
// is zero.
const DefaultCapacity = uint64(1024)

// withDefaults validates opts and fills in defaults.
func (o Options) withDefaults() (Options, error) {
	if o.Dir == "" {
		return Options{}, fmt.Errorf("dir is required: %w", ErrInvalidInput)
	}

	if o.InitialCapacity != 0 && !validCapacity(o.InitialCapacity) {
		return Options{}, fmt.Errorf(
			"initial capacity %d must be a power of two in [%d, %d]: %w",
			o.InitialCapacity, minCapacity, maxCapacity, ErrInvalidInput)
	}

	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	return o, nil
}

// settingsFileName is the per-directory settings snapshot. It pins the
// parameters that are baked into the bucket files so a reopen with different
// options fails fast instead of misreading the layout.
const settingsFileName = "cache.json"

type settings struct {
	FormatVersion uint32 `json:"format_version"`
	Capacity      uint64 `json:"capacity"`
}

// loadOrWriteSettings reconciles the settings snapshot in dir with the
// requested capacity and returns the capacity to use. A zero request adopts
// the recorded capacity (or DefaultCapacity for a fresh directory); a
// non-zero request must match the recorded one. A fresh snapshot is written
// atomically when absent.
func loadOrWriteSettings(dir string, capacity uint64) (uint64, error) {
	path := filepath.Join(dir, settingsFileName)

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return 0, fmt.Errorf("read settings: %w", err)
		}

		if capacity == 0 {
			capacity = DefaultCapacity
		}

		want := settings{FormatVersion: tfx1Version, Capacity: capacity}

		data, marshalErr := json.MarshalIndent(want, "", "  ")
		if marshalErr != nil {
			return 0, fmt.Errorf("encode settings: %w", marshalErr)
		}

		writeErr := natomic.WriteFile(path, bytes.NewReader(append(data, '\n')))
		if writeErr != nil {
			return 0, fmt.Errorf("write settings: %w", writeErr)
		}

		return capacity, nil
	}

	var got settings

	unmarshalErr := json.Unmarshal(raw, &got)
	if unmarshalErr != nil {
		return 0, fmt.Errorf("parse settings %s: %w", path, ErrCorrupt)
	}

	if got.FormatVersion != tfx1Version {
		return 0, fmt.Errorf("settings format version %d, expected %d: %w",
			got.FormatVersion, tfx1Version, ErrIncompatible)
	}

	if !validCapacity(got.Capacity) {
		return 0, fmt.Errorf("settings capacity %d is invalid: %w", got.Capacity, ErrCorrupt)
	}

	if capacity != 0 && got.Capacity != capacity {
		return 0, fmt.Errorf("capacity mismatch: directory has %d, options want %d: %w",
			got.Capacity, capacity, ErrIncompatible)
	}

	return got.Capacity, nil
}
