package feed

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Options carries the collaborators a Factory may hand to the feeds it
// builds. Only the fields needed by the configured sources have to be set.
type Options struct {
	// Expiry bounds the age of every source's readings. Zero disables the
	// expiry wrapper, which is only sensible for fixed feeds.
	Expiry time.Duration

	// ShellCommand is the external pricing binary for "-setzer" sources.
	ShellCommand  string
	ShellInterval time.Duration

	// Caller and Oracles serve "-tub" on-chain sources.
	Caller       ContractCaller
	Oracles      map[string]common.Address
	PollInterval time.Duration

	// Named maps a pair name to the source spec quoting it, letting config
	// say "eth_dai" instead of repeating a URL. A name whose reverse is
	// registered resolves to the inverse of the reverse's source.
	Named map[string]string

	FileInterval time.Duration

	Logger *slog.Logger
}

// Factory builds feed chains from config strings.
type Factory struct {
	opts Options
}

// NewFactory returns a factory with the given collaborators.
func NewFactory(opts Options) *Factory {
	if opts.ShellInterval <= 0 {
		opts.ShellInterval = 15 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.FileInterval <= 0 {
		opts.FileInterval = 5 * time.Second
	}
	return &Factory{opts: opts}
}

// New builds a feed from a config string. A comma-separated list becomes a
// failover chain tried in order; every element is individually bounded by
// the configured expiry. Supported elements:
//
//	fixed:<price>      constant price
//	file:<path>        JSON file {"price": <number>}
//	ws://…, wss://…    websocket stream of {"price": <number>} messages
//	<pair>-setzer      external pricing command
//	<pair>-tub         on-chain oracle contract
//	<name>             source registered under Named, or the inverse of
//	                   the reversed name's source
func (f *Factory) New(spec string) (Feed, error) {
	parts := strings.Split(spec, ",")
	feeds := make([]Feed, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty price feed element in %q", spec)
		}
		feed, err := f.newSource(part)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, f.withExpiry(feed))
	}
	if len(feeds) == 1 {
		return feeds[0], nil
	}
	return NewFailover(feeds, f.opts.Logger), nil
}

func (f *Factory) newSource(spec string) (Feed, error) {
	switch {
	case strings.HasPrefix(spec, "fixed:"):
		price, err := decimal.NewFromString(strings.TrimPrefix(spec, "fixed:"))
		if err != nil {
			return nil, fmt.Errorf("price feed %q: %w", spec, err)
		}
		if !price.IsPositive() {
			return nil, fmt.Errorf("price feed %q: price must be positive", spec)
		}
		return NewFixed(price), nil

	case strings.HasPrefix(spec, "file:"):
		return NewFile(strings.TrimPrefix(spec, "file:"), f.opts.FileInterval, f.opts.Logger), nil

	case strings.HasPrefix(spec, "ws://"), strings.HasPrefix(spec, "wss://"):
		return NewWS(spec, f.opts.Logger), nil

	case strings.HasSuffix(spec, "-setzer"):
		if f.opts.ShellCommand == "" {
			return nil, fmt.Errorf("price feed %q: no pricing command configured", spec)
		}
		pair := strings.TrimSuffix(spec, "-setzer")
		return NewShell(f.opts.ShellCommand, []string{"price", pair}, f.opts.ShellInterval, f.opts.Logger), nil

	case strings.HasSuffix(spec, "-tub"):
		pair := strings.TrimSuffix(spec, "-tub")
		address, ok := f.opts.Oracles[pair]
		if !ok {
			return nil, fmt.Errorf("price feed %q: no oracle address configured for %q", spec, pair)
		}
		if f.opts.Caller == nil {
			return nil, fmt.Errorf("price feed %q: no chain client configured", spec)
		}
		return NewOnchain(f.opts.Caller, address, f.opts.PollInterval, f.opts.Logger), nil

	default:
		return f.newNamed(spec)
	}
}

func (f *Factory) newNamed(name string) (Feed, error) {
	if source, ok := f.opts.Named[name]; ok {
		return f.newSource(source)
	}
	if reversed, ok := reversePair(name); ok {
		if source, found := f.opts.Named[reversed]; found {
			inner, err := f.newSource(source)
			if err != nil {
				return nil, err
			}
			return NewInverse(inner), nil
		}
	}
	return nil, fmt.Errorf("unknown price feed %q", name)
}

// reversePair turns "dai_eth" into "eth_dai".
func reversePair(name string) (string, bool) {
	parts := strings.Split(name, "_")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", false
	}
	return parts[1] + "_" + parts[0], true
}

func (f *Factory) withExpiry(inner Feed) Feed {
	if f.opts.Expiry <= 0 {
		return inner
	}
	if _, fixed := inner.(*Fixed); fixed {
		return inner
	}
	return NewExpiring(inner, f.opts.Expiry, f.opts.Logger)
}
