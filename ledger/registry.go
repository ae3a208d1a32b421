// registry.go provides the process-wide campaign registry and the parallel
// batch-claim entry point. Each ledger serializes its own campaign;
// the registry fans independent campaigns out to separate goroutines.
package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/merkledrop/merkledrop/metrics"
)

// BatchParallelism caps the number of campaigns a BatchClaim call settles
// concurrently.
const BatchParallelism = 8

// Registry errors.
var (
	ErrUnknownCampaign   = errors.New("ledger: unknown campaign")
	ErrDuplicateCampaign = errors.New("ledger: campaign already registered")
)

// Registry maps campaign addresses to their ledgers. All methods are safe
// for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	ledgers map[common.Address]*Ledger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ledgers: make(map[common.Address]*Ledger)}
}

// Register adds a ledger under its campaign address.
func (r *Registry) Register(l *Ledger) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	addr := l.Campaign().Address
	if _, ok := r.ledgers[addr]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCampaign, addr)
	}
	r.ledgers[addr] = l
	metrics.CampaignsRegistered.Set(int64(len(r.ledgers)))
	return nil
}

// Get returns the ledger for the given campaign address.
func (r *Registry) Get(addr common.Address) (*Ledger, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.ledgers[addr]
	return l, ok
}

// Len returns the number of registered campaigns.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ledgers)
}

// List returns all registered ledgers ordered by campaign address.
func (r *Registry) List() []*Ledger {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Ledger, 0, len(r.ledgers))
	for _, l := range r.ledgers {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Campaign().Address, out[j].Campaign().Address
		return bytes.Compare(a[:], b[:]) < 0
	})
	return out
}

// BatchItem addresses one claim at a registered campaign.
type BatchItem struct {
	Campaign common.Address
	Request  ClaimRequest
}

// BatchResult reports the outcome for the batch item at the same position.
// Exactly one of Receipt and Err is set.
type BatchResult struct {
	Receipt *ClaimReceipt
	Err     error
}

// BatchClaim settles many claims across campaigns. Items for the same
// campaign run in submission order on one goroutine; distinct campaigns
// run in parallel, at most BatchParallelism at a time. Requests carrying a
// signature take the ClaimViaSig path. The returned slice is positionally
// aligned with items; per-item failures land in their BatchResult, and the
// error return reports only context cancellation.
func (r *Registry) BatchClaim(ctx context.Context, items []BatchItem) ([]BatchResult, error) {
	results := make([]BatchResult, len(items))

	// Group item positions per campaign, preserving submission order.
	groups := make(map[common.Address][]int)
	for i, item := range items {
		groups[item.Campaign] = append(groups[item.Campaign], i)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(BatchParallelism)
	for addr, positions := range groups {
		l, ok := r.Get(addr)
		if !ok {
			for _, pos := range positions {
				results[pos].Err = fmt.Errorf("%w: %s", ErrUnknownCampaign, addr)
			}
			continue
		}
		positions := positions
		g.Go(func() error {
			for _, pos := range positions {
				if err := ctx.Err(); err != nil {
					results[pos].Err = err
					continue
				}
				rcpt, err := l.Submit(ctx, items[pos].Request)
				results[pos] = BatchResult{Receipt: rcpt, Err: err}
			}
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
