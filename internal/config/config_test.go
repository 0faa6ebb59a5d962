package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const validYAML = `
pair:
  base: ETH
  quote: DAI
exchange:
  base_url: https://api.example.com
  api_key: key
  api_secret: secret
feed:
  sources: "fixed:100"
bands:
  path: /etc/keeper/bands.json
keeper:
  cycle_interval: 5s
  price_floor: "50"
`

func TestLoadAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keeper.yaml")
	writeFile(t, path, validYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Pair.Base != "ETH" || cfg.Pair.Quote != "DAI" {
		t.Errorf("pair = %+v", cfg.Pair)
	}
	if cfg.Keeper.CycleInterval != 5*time.Second {
		t.Errorf("cycle_interval = %v, want 5s", cfg.Keeper.CycleInterval)
	}
	// Unset fields pick up defaults.
	if cfg.Keeper.DispatchTimeout != 30*time.Second {
		t.Errorf("dispatch_timeout default = %v, want 30s", cfg.Keeper.DispatchTimeout)
	}
	if cfg.Feed.Expiry != 2*time.Minute {
		t.Errorf("feed expiry default = %v, want 2m", cfg.Feed.Expiry)
	}

	floor, ok := cfg.PriceFloorDecimal()
	if !ok || !floor.Equal(dec("50")) {
		t.Errorf("price floor = %s ok = %v, want 50", floor, ok)
	}
}

func TestValidateRejectsIncompleteConfig(t *testing.T) {
	cases := map[string]func(*Config){
		"missing pair":       func(c *Config) { c.Pair.Base = "" },
		"same base/quote":    func(c *Config) { c.Pair.Quote = c.Pair.Base },
		"missing base url":   func(c *Config) { c.Exchange.BaseURL = "" },
		"missing creds":      func(c *Config) { c.Exchange.APIKey = "" },
		"missing feed":       func(c *Config) { c.Feed.Sources = "" },
		"missing bands path": func(c *Config) { c.Bands.Path = "" },
		"bad price floor":    func(c *Config) { c.Keeper.PriceFloor = "abc" },
		"negative floor":     func(c *Config) { c.Keeper.PriceFloor = "-1" },
	}

	path := filepath.Join(t.TempDir(), "keeper.yaml")
	writeFile(t, path, validYAML)

	for name, mutate := range cases {
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate accepted, want error", name)
		}
	}
}

func TestDryRunSkipsCredentialCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keeper.yaml")
	writeFile(t, path, validYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Exchange.APIKey = ""
	cfg.Exchange.APISecret = ""
	cfg.DryRun = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("dry-run Validate: %v", err)
	}
}

func TestEnvOverridesCredentials(t *testing.T) {
	t.Setenv("KEEPER_API_KEY", "env-key")
	t.Setenv("KEEPER_API_SECRET", "env-secret")

	path := filepath.Join(t.TempDir(), "keeper.yaml")
	writeFile(t, path, validYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Exchange.APIKey != "env-key" || cfg.Exchange.APISecret != "env-secret" {
		t.Errorf("credentials = %q/%q, want env overrides", cfg.Exchange.APIKey, cfg.Exchange.APISecret)
	}
}

const validBands = `{
	"buyBands": [
		{"minMargin": 0.005, "avgMargin": 0.01, "maxMargin": 0.02,
		 "minAmount": 20, "avgAmount": 30, "maxAmount": 40, "dustCutoff": 0}
	]
}`

const changedBands = `{
	"buyBands": [
		{"minMargin": 0.01, "avgMargin": 0.02, "maxMargin": 0.04,
		 "minAmount": 20, "avgAmount": 30, "maxAmount": 40, "dustCutoff": 0}
	]
}`

func TestWatcherRejectsInvalidInitialDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bands.json")
	writeFile(t, path, `{"buyBands": "nope"}`)

	w := NewWatcher(path, time.Second, testLogger())
	if err := w.Load(); err == nil {
		t.Fatal("Load accepted invalid document, want error")
	}
}

func TestWatcherKeepsPreviousOnInvalidChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bands.json")
	writeFile(t, path, validBands)

	w := NewWatcher(path, time.Second, testLogger())
	if err := w.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	before := w.Current()

	// An invalid rewrite is rejected; the snapshot is untouched.
	writeFile(t, path, `{"buyBands": [{"minMargin": 0.9, "avgMargin": 0.1, "maxMargin": 0.2,
		"minAmount": 1, "avgAmount": 2, "maxAmount": 3, "dustCutoff": 0}]}`)
	w.poll()
	if w.Current() != before {
		t.Fatal("snapshot replaced by invalid document")
	}

	// Polling the same bad content again changes nothing.
	w.poll()
	if w.Current() != before {
		t.Fatal("snapshot replaced on re-poll of invalid document")
	}

	// A valid rewrite swaps the snapshot.
	writeFile(t, path, changedBands)
	w.poll()
	after := w.Current()
	if after == before {
		t.Fatal("snapshot not replaced by valid document")
	}
	if !after.Buy[0].AvgMargin.Equal(dec("0.02")) {
		t.Errorf("avgMargin = %s, want 0.02", after.Buy[0].AvgMargin)
	}
}

func TestWatcherUnchangedContentIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bands.json")
	writeFile(t, path, validBands)

	w := NewWatcher(path, time.Second, testLogger())
	if err := w.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	before := w.Current()

	// Rewriting identical bytes must not swap the snapshot pointer.
	writeFile(t, path, validBands)
	w.poll()
	if w.Current() != before {
		t.Error("snapshot replaced despite unchanged content")
	}
}

func TestWatcherExpandsEnvironment(t *testing.T) {
	t.Setenv("BAND_AVG_AMOUNT", "30")

	path := filepath.Join(t.TempDir(), "bands.json")
	writeFile(t, path, `{
		"buyBands": [
			{"minMargin": 0.005, "avgMargin": 0.01, "maxMargin": 0.02,
			 "minAmount": 20, "avgAmount": ${BAND_AVG_AMOUNT}, "maxAmount": 40, "dustCutoff": 0}
		]
	}`)

	w := NewWatcher(path, time.Second, testLogger())
	if err := w.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := w.Current().Buy[0].AvgAmount; !got.Equal(dec("30")) {
		t.Errorf("avgAmount = %s, want expanded 30", got)
	}
}
