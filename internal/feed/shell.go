package feed

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const shellTimeout = 30 * time.Second

// Shell polls an external pricing command (setzer-style) and parses its
// stdout as a decimal price.
type Shell struct {
	command  string
	args     []string
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	reading Reading
	ok      bool

	logger *slog.Logger
}

// NewShell returns a feed running the given command every interval.
func NewShell(command string, args []string, interval time.Duration, logger *slog.Logger) *Shell {
	return &Shell{
		command:  command,
		args:     args,
		interval: interval,
		now:      time.Now,
		logger:   logger.With("component", "shell_feed", "command", command),
	}
}

func (f *Shell) Price() (Reading, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reading, f.ok
}

func (f *Shell) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.poll(ctx)
		}
	}
}

func (f *Shell) poll(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, shellTimeout)
	defer cancel()

	out, err := exec.CommandContext(runCtx, f.command, f.args...).Output()
	if err != nil {
		f.logger.Warn("price command failed", "error", err)
		return
	}

	price, err := decimal.NewFromString(strings.TrimSpace(string(out)))
	if err != nil {
		f.logger.Warn("parse price command output", "output", string(out), "error", err)
		return
	}
	if !price.IsPositive() {
		f.logger.Warn("ignoring non-positive command price", "price", price)
		return
	}

	f.mu.Lock()
	f.reading = Reading{Price: price, Time: f.now()}
	f.ok = true
	f.mu.Unlock()
}
