package eligibility

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/holiman/uint256"
)

type ledgerEntry struct {
	height  uint64
	balance *uint256.Int
}

// Ledger is an in-process Strategy backed by recorded balance changes. The
// daemon loads it from the allocations of a fixed strategy.
type Ledger struct {
	mu      sync.RWMutex
	history map[string][]ledgerEntry
}

// NewLedger returns an empty ledger; every address starts at zero.
func NewLedger() *Ledger {
	return &Ledger{history: make(map[string][]ledgerEntry)}
}

// Set records that address holds balance from height onwards.
func (l *Ledger) Set(address string, height uint64, balance uint64) {
	l.SetInt(address, height, uint256.NewInt(balance))
}

// SetInt is Set for balances beyond uint64.
func (l *Ledger) SetInt(address string, height uint64, balance *uint256.Int) {
	key := strings.ToLower(address)
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.history[key]
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].height >= height })
	entry := ledgerEntry{height: height, balance: new(uint256.Int).Set(balance)}
	if idx < len(entries) && entries[idx].height == height {
		entries[idx] = entry
	} else {
		entries = append(entries, ledgerEntry{})
		copy(entries[idx+1:], entries[idx:])
		entries[idx] = entry
	}
	l.history[key] = entries
}

// BalanceAt returns the last balance recorded at or below height.
func (l *Ledger) BalanceAt(ctx context.Context, address string, height uint64) (*uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	entries := l.history[strings.ToLower(address)]
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].height > height })
	if idx == 0 {
		return new(uint256.Int), nil
	}
	return new(uint256.Int).Set(entries[idx-1].balance), nil
}
