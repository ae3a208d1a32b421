// token.go defines the transfer backend claims and clawbacks settle
// against, plus an in-memory implementation used by tests and
// single-process deployments. A backend failure aborts the surrounding
// operation; the ledger never commits state for a transfer that did
// not happen.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrInsufficientBalance is returned when a transfer exceeds the
// sender's balance.
var ErrInsufficientBalance = errors.New("token: insufficient balance")

// Backend is an ERC-20-style settlement capability. Implementations
// must make Transfer atomic: on error no balances change.
type Backend interface {
	// Transfer moves amount of token from one holder to another.
	Transfer(ctx context.Context, token, from, to common.Address, amount *uint256.Int) error

	// BalanceOf returns the token balance held by account.
	BalanceOf(ctx context.Context, token, account common.Address) (*uint256.Int, error)
}

// MemoryBackend is an in-process Backend keeping balances per token and
// holder. Safe for concurrent use.
type MemoryBackend struct {
	mu       sync.RWMutex
	balances map[common.Address]map[common.Address]*uint256.Int // token -> holder -> balance
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		balances: make(map[common.Address]map[common.Address]*uint256.Int),
	}
}

// Mint credits amount of token to account out of thin air.
func (b *MemoryBackend) Mint(token, account common.Address, amount *uint256.Int) {
	if amount == nil || amount.IsZero() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creditLocked(token, account, amount)
}

// Transfer implements Backend.
func (b *MemoryBackend) Transfer(ctx context.Context, token, from, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	balance := b.balanceLocked(token, from)
	if balance.Lt(amount) {
		return fmt.Errorf("%w: %s has %s of %s, need %s", ErrInsufficientBalance, from, balance, token, amount)
	}
	balance.Sub(balance, amount)
	b.creditLocked(token, to, amount)
	return nil
}

// BalanceOf implements Backend.
func (b *MemoryBackend) BalanceOf(ctx context.Context, token, account common.Address) (*uint256.Int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if holders, ok := b.balances[token]; ok {
		if balance, ok := holders[account]; ok {
			return new(uint256.Int).Set(balance), nil
		}
	}
	return new(uint256.Int), nil
}

// balanceLocked returns the live balance cell for (token, account),
// creating it at zero if absent. Caller must hold b.mu.
func (b *MemoryBackend) balanceLocked(token, account common.Address) *uint256.Int {
	holders, ok := b.balances[token]
	if !ok {
		holders = make(map[common.Address]*uint256.Int)
		b.balances[token] = holders
	}
	balance, ok := holders[account]
	if !ok {
		balance = new(uint256.Int)
		holders[account] = balance
	}
	return balance
}

// creditLocked adds amount to (token, account). Caller must hold b.mu.
func (b *MemoryBackend) creditLocked(token, account common.Address, amount *uint256.Int) {
	balance := b.balanceLocked(token, account)
	balance.Add(balance, amount)
}
