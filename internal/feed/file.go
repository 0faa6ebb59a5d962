package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// File polls a JSON file of the shape {"price": <number>}. External
// tooling writes the file; the keeper only ever reads it.
type File struct {
	path     string
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	reading Reading
	ok      bool

	logger *slog.Logger
}

// NewFile returns a feed polling the given file path.
func NewFile(path string, interval time.Duration, logger *slog.Logger) *File {
	return &File{
		path:     path,
		interval: interval,
		now:      time.Now,
		logger:   logger.With("component", "file_feed", "path", path),
	}
}

func (f *File) Price() (Reading, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reading, f.ok
}

func (f *File) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.poll()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.poll()
		}
	}
}

func (f *File) poll() {
	data, err := os.ReadFile(f.path)
	if err != nil {
		f.logger.Warn("read price file", "error", err)
		return
	}

	var m struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		f.logger.Warn("parse price file", "error", err)
		return
	}
	if !m.Price.IsPositive() {
		f.logger.Warn("ignoring non-positive file price", "price", m.Price)
		return
	}

	f.mu.Lock()
	f.reading = Reading{Price: m.Price, Time: f.now()}
	f.ok = true
	f.mu.Unlock()
}
