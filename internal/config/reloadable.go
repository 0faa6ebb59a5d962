package config

import (
	"context"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"bandkeeper/internal/bands"
)

// Watcher hot-reloads the bands document. It polls the file, detects
// changes by content checksum, and swaps in a freshly validated snapshot
// atomically. A document that fails to parse or validate is rejected and
// the previous snapshot stays in effect; the rejection is logged once per
// distinct bad content.
type Watcher struct {
	path     string
	interval time.Duration
	expand   func(string) string

	current atomic.Pointer[bands.Bands]

	lastHash    uint32
	lastBadHash uint32
	haveBadHash bool

	logger *slog.Logger
}

// NewWatcher creates a watcher for the given bands document path.
// Values of the form ${VAR} in the document are expanded from the
// environment before parsing.
func NewWatcher(path string, interval time.Duration, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		interval: interval,
		expand:   os.ExpandEnv,
		logger:   logger.With("component", "bands_watcher", "path", path),
	}
}

// Load reads and validates the document for the first time. The keeper
// refuses to start on an invalid initial document; keep-previous semantics
// only apply once a valid snapshot exists.
func (w *Watcher) Load() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read bands document: %w", err)
	}

	parsed, err := bands.Parse([]byte(w.expand(string(data))))
	if err != nil {
		return fmt.Errorf("bands document %s: %w", w.path, err)
	}

	w.lastHash = crc32.ChecksumIEEE(data)
	w.current.Store(parsed)
	w.logger.Info("bands document loaded",
		"buy_bands", len(parsed.Buy), "sell_bands", len(parsed.Sell))
	return nil
}

// Current returns the latest valid snapshot. Snapshots are immutable;
// callers may hold one across a whole evaluation cycle.
func (w *Watcher) Current() *bands.Bands {
	return w.current.Load()
}

// Run polls the document until ctx is cancelled. Call Load first.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		// Transient: editors replace files non-atomically. Keep the
		// current snapshot and retry next tick.
		w.logger.Warn("read bands document", "error", err)
		return
	}

	hash := crc32.ChecksumIEEE(data)
	if hash == w.lastHash {
		return
	}
	if w.haveBadHash && hash == w.lastBadHash {
		return // already rejected and logged this content
	}

	parsed, err := bands.Parse([]byte(w.expand(string(data))))
	if err != nil {
		w.lastBadHash = hash
		w.haveBadHash = true
		w.logger.Error("rejecting changed bands document, keeping previous",
			"error", err)
		return
	}

	w.lastHash = hash
	w.haveBadHash = false
	w.current.Store(parsed)
	w.logger.Info("bands document reloaded",
		"buy_bands", len(parsed.Buy), "sell_bands", len(parsed.Sell))
}
