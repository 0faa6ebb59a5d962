package feed

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// readSelector is the 4-byte selector of DSValue's read() method, which
// returns the current value as a bytes32 wad or reverts when unset.
var readSelector = []byte{0x57, 0xde, 0x26, 0xa4}

const onchainCallTimeout = 10 * time.Second

// ContractCaller is the slice of ethclient.Client the oracle feed needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Onchain polls a DSValue-style price oracle contract. The oracle stores
// the price as an 18-decimal fixed-point word.
type Onchain struct {
	caller   ContractCaller
	address  common.Address
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	reading Reading
	ok      bool

	logger *slog.Logger
}

// NewOnchain returns a feed polling the oracle at the given address.
func NewOnchain(caller ContractCaller, address common.Address, interval time.Duration, logger *slog.Logger) *Onchain {
	return &Onchain{
		caller:   caller,
		address:  address,
		interval: interval,
		now:      time.Now,
		logger:   logger.With("component", "onchain_feed", "address", address.Hex()),
	}
}

func (f *Onchain) Price() (Reading, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reading, f.ok
}

func (f *Onchain) Run(ctx context.Context) error {
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

func (f *Onchain) poll(ctx context.Context) {
	price, err := f.read(ctx)
	if err != nil {
		// read() reverts while the oracle has no value; both that and RPC
		// trouble leave the previous reading in place to age out.
		f.logger.Warn("oracle read failed", "error", err)
		return
	}

	f.mu.Lock()
	f.reading = Reading{Price: price, Time: f.now()}
	f.ok = true
	f.mu.Unlock()
}

func (f *Onchain) read(ctx context.Context) (decimal.Decimal, error) {
	callCtx, cancel := context.WithTimeout(ctx, onchainCallTimeout)
	defer cancel()

	out, err := f.caller.CallContract(callCtx, ethereum.CallMsg{
		To:   &f.address,
		Data: readSelector,
	}, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if len(out) != 32 {
		return decimal.Decimal{}, fmt.Errorf("oracle returned %d bytes, want 32", len(out))
	}

	wad := new(big.Int).SetBytes(out)
	price := decimal.NewFromBigInt(wad, -18)
	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("oracle returned non-positive price %s", price)
	}
	return price, nil
}
