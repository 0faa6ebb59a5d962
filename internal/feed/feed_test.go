package feed

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
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

// stub is a feed with a programmable reading.
type stub struct {
	reading Reading
	ok      bool
}

func (s *stub) Price() (Reading, bool)        { return s.reading, s.ok }
func (s *stub) Run(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func TestFixedFeed(t *testing.T) {
	t.Parallel()

	f := NewFixed(dec("123.45"))
	reading, ok := f.Price()
	if !ok {
		t.Fatal("fixed feed unavailable")
	}
	if !reading.Price.Equal(dec("123.45")) {
		t.Errorf("price = %s, want 123.45", reading.Price)
	}
}

func TestFileFeed(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "price.json")
	if err := os.WriteFile(path, []byte(`{"price": 250.5}`), 0o644); err != nil {
		t.Fatal(err)
	}

	f := NewFile(path, time.Second, testLogger())
	f.poll()

	reading, ok := f.Price()
	if !ok {
		t.Fatal("file feed unavailable after poll")
	}
	if !reading.Price.Equal(dec("250.5")) {
		t.Errorf("price = %s, want 250.5", reading.Price)
	}

	// A corrupt rewrite keeps the previous reading.
	if err := os.WriteFile(path, []byte(`not json`), 0o644); err != nil {
		t.Fatal(err)
	}
	f.poll()
	if reading, ok = f.Price(); !ok || !reading.Price.Equal(dec("250.5")) {
		t.Errorf("after corrupt rewrite: price = %s ok = %v, want previous reading", reading.Price, ok)
	}
}

func TestExpiringFeed(t *testing.T) {
	t.Parallel()

	base := time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC)
	inner := &stub{reading: Reading{Price: dec("100"), Time: base}, ok: true}

	f := NewExpiring(inner, 2*time.Minute, testLogger())
	now := base
	f.now = func() time.Time { return now }

	if _, ok := f.Price(); !ok {
		t.Fatal("fresh reading reported unavailable")
	}

	now = base.Add(3 * time.Minute)
	if _, ok := f.Price(); ok {
		t.Fatal("stale reading reported available")
	}

	// A fresh inner reading brings the feed back.
	inner.reading.Time = now
	if reading, ok := f.Price(); !ok || !reading.Price.Equal(dec("100")) {
		t.Fatal("recovered reading reported unavailable")
	}
}

func TestInverseFeed(t *testing.T) {
	t.Parallel()

	inner := &stub{reading: Reading{Price: dec("0.004")}, ok: true}
	f := NewInverse(inner)

	reading, ok := f.Price()
	if !ok {
		t.Fatal("inverse feed unavailable")
	}
	if !reading.Price.Equal(dec("250")) {
		t.Errorf("price = %s, want 250", reading.Price)
	}

	// Inverting twice lands back on the original price.
	twice := NewInverse(f)
	reading, _ = twice.Price()
	if !reading.Price.Equal(dec("0.004")) {
		t.Errorf("double inverse = %s, want 0.004", reading.Price)
	}

	inner.ok = false
	if _, ok := f.Price(); ok {
		t.Error("inverse of unavailable feed reported available")
	}
}

func TestFailoverFeed(t *testing.T) {
	t.Parallel()

	primary := &stub{reading: Reading{Price: dec("100")}, ok: true}
	backup := &stub{reading: Reading{Price: dec("101")}, ok: true}
	f := NewFailover([]Feed{primary, backup}, testLogger())

	if reading, _ := f.Price(); !reading.Price.Equal(dec("100")) {
		t.Errorf("price = %s, want primary's 100", reading.Price)
	}

	primary.ok = false
	if reading, _ := f.Price(); !reading.Price.Equal(dec("101")) {
		t.Errorf("price = %s, want backup's 101", reading.Price)
	}

	backup.ok = false
	if _, ok := f.Price(); ok {
		t.Error("all sources down but failover reported available")
	}

	primary.ok = true
	if reading, _ := f.Price(); !reading.Price.Equal(dec("100")) {
		t.Errorf("price = %s, want recovered primary's 100", reading.Price)
	}
}

func TestWSFeed(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"price": 99.5}`))
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := NewWS("ws"+strings.TrimPrefix(srv.URL, "http"), testLogger())
	go f.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for {
		if reading, ok := f.Price(); ok {
			if !reading.Price.Equal(dec("99.5")) {
				t.Errorf("price = %s, want 99.5", reading.Price)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no reading received over websocket")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFactoryFixed(t *testing.T) {
	t.Parallel()

	f := NewFactory(Options{Logger: testLogger()})
	feed, err := f.New("fixed:42")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if reading, ok := feed.Price(); !ok || !reading.Price.Equal(dec("42")) {
		t.Errorf("price = %s ok = %v, want 42", reading.Price, ok)
	}
}

func TestFactoryRejectsBadSpecs(t *testing.T) {
	t.Parallel()

	f := NewFactory(Options{Logger: testLogger()})
	for _, spec := range []string{"", "fixed:abc", "fixed:-5", "nonsense", "eth_dai-setzer", "eth_dai-tub", "fixed:42,,fixed:43"} {
		if _, err := f.New(spec); err == nil {
			t.Errorf("New(%q) accepted, want error", spec)
		}
	}
}

func TestFactoryFailoverChain(t *testing.T) {
	t.Parallel()

	f := NewFactory(Options{Expiry: time.Minute, Logger: testLogger()})
	feed, err := f.New("fixed:100,fixed:200")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, isFailover := feed.(*Failover); !isFailover {
		t.Fatalf("feed is %T, want *Failover", feed)
	}
	if reading, _ := feed.Price(); !reading.Price.Equal(dec("100")) {
		t.Errorf("price = %s, want first element's 100", reading.Price)
	}
}

func TestFactoryNamedAndInverse(t *testing.T) {
	t.Parallel()

	f := NewFactory(Options{
		Named:  map[string]string{"eth_dai": "fixed:250"},
		Logger: testLogger(),
	})

	feed, err := f.New("eth_dai")
	if err != nil {
		t.Fatalf("New(eth_dai): %v", err)
	}
	if reading, _ := feed.Price(); !reading.Price.Equal(dec("250")) {
		t.Errorf("price = %s, want 250", reading.Price)
	}

	// The reversed name resolves to the inverse of the registered source.
	feed, err = f.New("dai_eth")
	if err != nil {
		t.Fatalf("New(dai_eth): %v", err)
	}
	if reading, _ := feed.Price(); !reading.Price.Equal(dec("0.004")) {
		t.Errorf("price = %s, want 0.004", reading.Price)
	}
}
