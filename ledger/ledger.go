// Package ledger implements the per-campaign claim state machine: Merkle
// gated claims with fee collection, signature-delegated claims, forgone
// amount accounting for the VCA shape, and creator clawback. A Ledger
// serializes every operation on its campaign; independent campaigns are
// independent ledgers (see Registry).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"

	"github.com/merkledrop/merkledrop/campaign"
	"github.com/merkledrop/merkledrop/comptroller"
	"github.com/merkledrop/merkledrop/eip712"
	"github.com/merkledrop/merkledrop/log"
	"github.com/merkledrop/merkledrop/merkle"
	"github.com/merkledrop/merkledrop/metrics"
	"github.com/merkledrop/merkledrop/token"
	"github.com/merkledrop/merkledrop/vesting"
)

// ClawbackGracePeriod is the window after the first claim during which the
// creator of a campaign without an expiration may still claw back funds,
// in seconds.
const ClawbackGracePeriod uint64 = 7 * 24 * 60 * 60

// Ledger errors.
var (
	ErrNilAmount          = errors.New("ledger: nil claim amount")
	ErrInvalidProof       = errors.New("ledger: merkle proof invalid")
	ErrAlreadyClaimed     = errors.New("ledger: index already claimed")
	ErrCampaignExpired    = errors.New("ledger: campaign expired")
	ErrInsufficientFee    = errors.New("ledger: attached value below claim fee")
	ErrNothingToClaim     = errors.New("ledger: nothing claimable yet")
	ErrClawbackNotAllowed = errors.New("ledger: clawback window closed")
	ErrNotCreator         = errors.New("ledger: caller is not the campaign creator")
)

// ClaimRequest carries everything needed to settle one leaf claim.
type ClaimRequest struct {
	// Index is the leaf index in the campaign's Merkle tree.
	Index uint64

	// Recipient is the leaf recipient, as committed in the tree.
	Recipient common.Address

	// To optionally redirects the payout. The zero address pays the
	// recipient.
	To common.Address

	// Amount is the full leaf entitlement, as committed in the tree.
	Amount *uint256.Int

	// Proof is the Merkle inclusion proof for (Index, Recipient, Amount).
	Proof []common.Hash

	// Value is the native value attached to cover the claim fee, in wei.
	// The entire attached value is collected once the claim settles.
	Value *uint256.Int

	// Signature is the 65-byte EIP-712 claim signature by the recipient.
	// Only consulted by ClaimViaSig.
	Signature []byte

	// ValidFrom is the earliest time the signature may be used. Only
	// consulted by ClaimViaSig.
	ValidFrom uint64
}

// ClaimReceipt reports the effects of a settled claim.
type ClaimReceipt struct {
	Index     uint64
	Recipient common.Address
	To        common.Address

	// Claimed is the amount transferred to To.
	Claimed *uint256.Int

	// Forgone is the portion of the entitlement given up under the VCA
	// shape; zero for every other shape.
	Forgone *uint256.Int

	// FeePaid is the native value collected with the claim, in wei.
	FeePaid *uint256.Int

	// Time is the settlement timestamp.
	Time uint64
}

// ClaimMetrics tracks claim statistics. Ledgers created against the same
// metrics registry share one set.
type ClaimMetrics struct {
	Settled    *metrics.Counter
	Rejected   *metrics.Counter
	Clawbacks  *metrics.Counter
	SettleTime *metrics.Histogram
	Rate       *metrics.Meter
}

// NewClaimMetrics creates the ledger metric set in reg. A nil reg uses
// metrics.DefaultRegistry, where the set aliases the package-level
// pre-defined metrics.
func NewClaimMetrics(reg *metrics.Registry) *ClaimMetrics {
	if reg == nil {
		reg = metrics.DefaultRegistry
	}
	return &ClaimMetrics{
		Settled:    reg.Counter("ledger.claims_settled"),
		Rejected:   reg.Counter("ledger.claims_rejected"),
		Clawbacks:  reg.Counter("ledger.clawbacks"),
		SettleTime: reg.Histogram("ledger.claim_ms"),
		Rate:       reg.Meter("ledger.claim_rate"),
	}
}

// Config wires a Ledger's collaborators.
type Config struct {
	// Campaign is the campaign definition. Validated at construction.
	Campaign *campaign.Campaign

	// Comptroller computes claim fees. Nil gets an oracle-less
	// comptroller: zero-fee campaigns work, nonzero fees abort claims.
	Comptroller *comptroller.Comptroller

	// Tokens moves the distributed token. Nil gets a fresh in-memory
	// backend with no balances.
	Tokens token.Backend

	// Verifier checks EIP-712 claim signatures. Nil gets an EOA-only
	// verifier with the default domain.
	Verifier *eip712.Verifier

	// Clock supplies the current time. Nil gets the real clock.
	Clock clockwork.Clock

	// Logger receives claim lifecycle events. Nil gets the default
	// ledger module logger.
	Logger *log.Logger

	// Metrics receives claim statistics. Nil gets the pre-defined set on
	// metrics.DefaultRegistry.
	Metrics *ClaimMetrics
}

// Ledger tracks claim state for one campaign: the claimed bitmap, accrued
// native fees, the forgone pool, and the first-claim timestamp. All
// methods are safe for concurrent use.
type Ledger struct {
	camp     *campaign.Campaign
	fees     *comptroller.Comptroller
	tokens   token.Backend
	verifier *eip712.Verifier
	clock    clockwork.Clock
	logger   *log.Logger
	metrics  *ClaimMetrics

	mu            sync.Mutex
	claimed       *Bitmap
	claimCount    uint64
	collectedFees *uint256.Int
	forgoneTotal  *uint256.Int
	firstClaim    uint64
	sawExpired    bool
}

// New creates a Ledger for cfg.Campaign. The campaign is validated; nil
// collaborators are backfilled per the Config field docs.
func New(cfg Config) (*Ledger, error) {
	if cfg.Campaign == nil {
		return nil, fmt.Errorf("%w: nil campaign", campaign.ErrInvalidCampaign)
	}
	if err := cfg.Campaign.Validate(); err != nil {
		return nil, err
	}
	if cfg.Comptroller == nil {
		cfg.Comptroller = comptroller.New(nil)
	}
	if cfg.Tokens == nil {
		cfg.Tokens = token.NewMemoryBackend()
	}
	if cfg.Verifier == nil {
		cfg.Verifier = eip712.NewVerifier(eip712.DefaultConfig(), nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default().Module("ledger")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewClaimMetrics(nil)
	}

	return &Ledger{
		camp:          cfg.Campaign,
		fees:          cfg.Comptroller,
		tokens:        cfg.Tokens,
		verifier:      cfg.Verifier,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		claimed:       NewBitmap(),
		collectedFees: new(uint256.Int),
		forgoneTotal:  new(uint256.Int),
	}, nil
}

// Campaign returns the campaign definition this ledger tracks. The
// returned value must be treated as read-only.
func (l *Ledger) Campaign() *campaign.Campaign {
	return l.camp
}

// Claim settles the leaf claim described by req, paying the claimable
// amount to req.To (or the recipient when To is zero). The caller is not
// authenticated: entitlement is established by the Merkle proof alone.
func (l *Ledger) Claim(ctx context.Context, req ClaimRequest) (*ClaimReceipt, error) {
	return l.settle(ctx, req, false)
}

// ClaimViaSig settles a claim on behalf of the leaf recipient. The request
// must carry an EIP-712 signature by the recipient binding (index,
// recipient, to, amount, validFrom); the payout target is the one the
// signature commits to.
func (l *Ledger) ClaimViaSig(ctx context.Context, req ClaimRequest) (*ClaimReceipt, error) {
	return l.settle(ctx, req, true)
}

// Submit settles req, routing to ClaimViaSig when the request carries a
// signature.
func (l *Ledger) Submit(ctx context.Context, req ClaimRequest) (*ClaimReceipt, error) {
	if len(req.Signature) > 0 {
		return l.ClaimViaSig(ctx, req)
	}
	return l.Claim(ctx, req)
}

func (l *Ledger) settle(ctx context.Context, req ClaimRequest, viaSig bool) (*ClaimReceipt, error) {
	timer := metrics.NewTimer(l.metrics.SettleTime)
	defer timer.Stop()

	l.mu.Lock()
	defer l.mu.Unlock()

	rcpt, err := l.settleLocked(ctx, req, viaSig)
	if err != nil {
		l.metrics.Rejected.Inc()
		l.logger.Debug("claim rejected",
			"campaign", l.camp.Address, "index", req.Index, "err", err)
		return nil, err
	}
	l.metrics.Settled.Inc()
	l.metrics.Rate.Mark(1)
	l.logger.Info("claim settled",
		"campaign", l.camp.Address, "index", rcpt.Index,
		"recipient", rcpt.Recipient, "to", rcpt.To,
		"amount", rcpt.Claimed, "fee_wei", rcpt.FeePaid)
	return rcpt, nil
}

// settleLocked runs the claim precondition chain and commits effects.
// Caller must hold l.mu. State changes only after every check passes and
// the token transfer succeeds; a failure at any step leaves no trace.
func (l *Ledger) settleLocked(ctx context.Context, req ClaimRequest, viaSig bool) (*ClaimReceipt, error) {
	if req.Amount == nil {
		return nil, fmt.Errorf("%w: index %d", ErrNilAmount, req.Index)
	}

	now := uint64(l.clock.Now().Unix())
	if l.camp.Expired(now) {
		if !l.sawExpired {
			l.sawExpired = true
			metrics.CampaignsExpired.Inc()
		}
		return nil, fmt.Errorf("%w: now %d, expiration %d", ErrCampaignExpired, now, l.camp.Expiration)
	}

	to := req.To
	if to == (common.Address{}) {
		to = req.Recipient
	}

	if viaSig {
		msg := eip712.ClaimMessage{
			Index:     req.Index,
			Recipient: req.Recipient,
			To:        to,
			Amount:    req.Amount,
			ValidFrom: req.ValidFrom,
		}
		metrics.SignatureChecks.Inc()
		if err := l.verifier.VerifyClaim(ctx, l.camp, req.Recipient, msg, req.Signature, now); err != nil {
			metrics.SignatureFailures.Inc()
			return nil, err
		}
	}

	if l.claimed.Has(req.Index) {
		return nil, fmt.Errorf("%w: index %d", ErrAlreadyClaimed, req.Index)
	}

	leaf := merkle.LeafHash(req.Index, req.Recipient, req.Amount)
	if !merkle.VerifyProof(l.camp.MerkleRoot, leaf, req.Proof) {
		return nil, fmt.Errorf("%w: index %d, recipient %s", ErrInvalidProof, req.Index, req.Recipient)
	}

	fee, err := l.fees.FeeInWei(ctx, l.camp.Creator, l.camp.MinFeeUSD)
	if err != nil {
		return nil, err
	}
	value := new(uint256.Int)
	if req.Value != nil {
		value.Set(req.Value)
	}
	if value.Lt(fee) {
		return nil, fmt.Errorf("%w: have %s wei, want %s wei", ErrInsufficientFee, value, fee)
	}

	claimable, forgone, err := vesting.Compute(l.camp, req.Amount, now)
	if err != nil {
		return nil, err
	}
	if claimable.IsZero() {
		return nil, fmt.Errorf("%w: index %d at time %d", ErrNothingToClaim, req.Index, now)
	}

	// Transfer before committing: a failed transfer must not burn the index
	// or collect the fee.
	if err := l.tokens.Transfer(ctx, l.camp.Token, l.camp.Address, to, claimable); err != nil {
		return nil, err
	}

	l.claimed.Set(req.Index)
	l.claimCount++
	if l.claimCount == 1 {
		l.firstClaim = now
	}
	l.collectedFees.Add(l.collectedFees, value)
	l.forgoneTotal.Add(l.forgoneTotal, forgone)

	return &ClaimReceipt{
		Index:     req.Index,
		Recipient: req.Recipient,
		To:        to,
		Claimed:   claimable,
		Forgone:   forgone,
		FeePaid:   value,
		Time:      now,
	}, nil
}

// Clawback transfers amount of the campaign's tokens to the given target.
// Only the campaign creator may claw back, and only while the window is
// open: at or after expiration when one is set, or, for campaigns without
// an expiration, before any claim or within ClawbackGracePeriod of the
// first claim. The amount is bounded by the campaign's remaining balance
// through the token backend.
func (l *Ledger) Clawback(ctx context.Context, caller, to common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.camp.Creator {
		return fmt.Errorf("%w: caller %s, creator %s", ErrNotCreator, caller, l.camp.Creator)
	}
	now := uint64(l.clock.Now().Unix())
	if !l.clawbackOpenLocked(now) {
		return fmt.Errorf("%w: now %d, expiration %d, first claim %d",
			ErrClawbackNotAllowed, now, l.camp.Expiration, l.firstClaim)
	}
	if err := l.tokens.Transfer(ctx, l.camp.Token, l.camp.Address, to, amount); err != nil {
		return err
	}

	l.metrics.Clawbacks.Inc()
	l.logger.Info("clawback executed",
		"campaign", l.camp.Address, "to", to, "amount", amount)
	return nil
}

// clawbackOpenLocked reports whether the clawback window is open at now.
// Caller must hold l.mu.
func (l *Ledger) clawbackOpenLocked(now uint64) bool {
	if l.camp.Expiration != 0 {
		return now >= l.camp.Expiration
	}
	if l.claimCount == 0 {
		return true
	}
	return now <= l.firstClaim+ClawbackGracePeriod
}

// CollectFees drains the accrued native fee balance and returns the
// drained amount. Transport of the drained value is outside the ledger;
// the accrual resets to zero either way.
func (l *Ledger) CollectFees() *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := new(uint256.Int).Set(l.collectedFees)
	l.collectedFees.Clear()
	if !out.IsZero() {
		l.logger.Info("fees collected", "campaign", l.camp.Address, "amount_wei", out)
	}
	return out
}

// HasClaimed reports whether the given leaf index has been claimed.
func (l *Ledger) HasClaimed(index uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.claimed.Has(index)
}

// ClaimedCount returns the number of settled claims.
func (l *Ledger) ClaimedCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.claimCount
}

// CollectedFees returns the native fee balance accrued and not yet
// collected, in wei.
func (l *Ledger) CollectedFees() *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(uint256.Int).Set(l.collectedFees)
}

// ForgoneTotal returns the total entitlement given up by early VCA claims.
// Forgone amounts never leave the campaign balance; they are reclaimable
// by the creator through Clawback.
func (l *Ledger) ForgoneTotal() *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(uint256.Int).Set(l.forgoneTotal)
}

// FirstClaimTime returns the timestamp of the first settled claim. ok is
// false while no claim has settled.
func (l *Ledger) FirstClaimTime() (ts uint64, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.firstClaim, l.claimCount > 0
}

// Balance returns the campaign's remaining token balance.
func (l *Ledger) Balance(ctx context.Context) (*uint256.Int, error) {
	return l.tokens.BalanceOf(ctx, l.camp.Token, l.camp.Address)
}
