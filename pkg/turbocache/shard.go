package turbocache

import (
	"cmp"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// shard is a bucket plus the half-open selector range [start, end) it owns.
// The set of all shards exactly partitions [0, selectorSpace) at all times.
type shard struct {
	start uint32
	end   uint32
	b     *bucket
}

// contains reports whether the shard owns selector sel.
func (s *shard) contains(sel uint32) bool {
	return sel >= s.start && sel < s.end
}

// shardFileName encodes a shard's range into its bucket filename,
// e.g. "shard_0000-8000". The full range is "shard_0000-10000".
func shardFileName(start, end uint32) string {
	return fmt.Sprintf("shard_%04x-%04x", start, end)
}

// parseShardFileName decodes a shard filename. ok is false for names that
// are not shard files at all; a malformed range in a shard_ name is corrupt.
func parseShardFileName(name string) (start, end uint32, ok bool, err error) {
	rangePart, isShard := strings.CutPrefix(name, "shard_")
	if !isShard || strings.Contains(rangePart, ".") {
		return 0, 0, false, nil
	}

	var s, e uint64

	n, scanErr := fmt.Sscanf(rangePart, "%x-%x", &s, &e)
	if scanErr != nil || n != 2 {
		return 0, 0, false, fmt.Errorf("malformed shard filename %q: %w", name, ErrCorrupt)
	}

	if s >= e || e > uint64(selectorSpace) {
		return 0, 0, false, fmt.Errorf("shard filename %q has invalid range [%#x, %#x): %w",
			name, s, e, ErrCorrupt)
	}

	// Sscanf ignores trailing bytes, so require the exact canonical spelling.
	// This also makes filename -> range a bijection: no two directory entries
	// can parse to the same range, so discovery never sees duplicates.
	if shardFileName(uint32(s), uint32(e)) != name {
		return 0, 0, false, fmt.Errorf("shard filename %q is not canonical for [%#x, %#x): %w",
			name, s, e, ErrCorrupt)
	}

	return uint32(s), uint32(e), true, nil
}

// discoverShards scans dir and reassembles the shard list from filenames.
//
// A crash during a split can leave behind the replaced parent bucket (its
// children were made durable before the parent is unlinked, see
// Cache.split). The walk therefore prefers, among files starting at the
// cursor, the one with the WIDEST range: an intact parent supersedes
// children that may not have been fully populated when the process died.
// Files whose range is then fully covered are crash leftovers and are
// deleted. Any remaining gap or overlap means the directory was tampered
// with and is fatal.
//
// An empty directory yields a single fresh shard covering the whole space.
func discoverShards(dir string, capacity uint64, log *slog.Logger) ([]*shard, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan cache directory: %w", err)
	}

	type candidate struct {
		start, end uint32
		name       string
	}

	var found []candidate

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		// Stale temp files from an interrupted create are always safe to
		// delete: a bucket only becomes reachable through its final name.
		if strings.Contains(name, ".tmp.") {
			log.Debug("removing stale temp file", "name", name)

			_ = os.Remove(filepath.Join(dir, name))

			continue
		}

		start, end, ok, parseErr := parseShardFileName(name)
		if parseErr != nil {
			return nil, parseErr
		}

		if !ok {
			continue
		}

		found = append(found, candidate{start: start, end: end, name: name})
	}

	if len(found) == 0 {
		b, createErr := openOrRecreateBucket(
			filepath.Join(dir, shardFileName(0, selectorSpace)), capacity, log)
		if createErr != nil {
			return nil, createErr
		}

		return []*shard{{start: 0, end: selectorSpace, b: b}}, nil
	}

	// Sort by start ascending, widest range first within a start.
	slices.SortFunc(found, func(a, b candidate) int {
		if c := cmp.Compare(a.start, b.start); c != 0 {
			return c
		}

		return cmp.Compare(b.end, a.end)
	})

	var (
		accepted []candidate
		cursor   uint32
	)

	for _, c := range found {
		switch {
		case c.end <= cursor:
			// Fully covered by already-accepted shards: crash leftover.
			log.Warn("removing orphaned bucket left by interrupted split", "name", c.name)

			removeErr := os.Remove(filepath.Join(dir, c.name))
			if removeErr != nil {
				return nil, fmt.Errorf("remove orphaned bucket: %w", removeErr)
			}

		case c.start == cursor:
			accepted = append(accepted, c)
			cursor = c.end

		case c.start < cursor:
			return nil, fmt.Errorf("shard %s overlaps partition at %#x: %w", c.name, cursor, ErrCorrupt)

		default:
			return nil, fmt.Errorf("gap in shard partition at [%#x, %#x): %w", cursor, c.start, ErrCorrupt)
		}
	}

	if cursor != selectorSpace {
		return nil, fmt.Errorf("gap in shard partition at [%#x, %#x): %w", cursor, selectorSpace, ErrCorrupt)
	}

	shards := make([]*shard, 0, len(accepted))

	for _, c := range accepted {
		b, openErr := openOrRecreateBucket(filepath.Join(dir, c.name), capacity, log)
		if openErr != nil {
			for _, s := range shards {
				_ = s.b.close()
			}

			return nil, openErr
		}

		shards = append(shards, &shard{start: c.start, end: c.end, b: b})
	}

	// accepted is sorted by start with contiguous ranges, so the list is
	// already sorted by range end as the router requires.
	return shards, nil
}
