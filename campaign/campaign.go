// Package campaign defines the immutable description of one airdrop
// campaign: the Merkle commitment, the distributed token, the distribution
// shape with its schedule parameters, and the fee floor. Campaigns are
// validated once at creation; everything downstream (vesting math, claim
// ledger) assumes a validated campaign.
package campaign

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Shape selects the distribution curve of a campaign.
type Shape uint8

const (
	// ShapeInstant releases the full leaf amount immediately.
	ShapeInstant Shape = iota

	// ShapeLinear releases continuously between a start and an end time,
	// with an optional cliff before which nothing is claimable.
	ShapeLinear

	// ShapeTranche releases discrete percentages at fixed unlock times.
	ShapeTranche

	// ShapeVCA releases continuously, but claiming early forfeits the
	// unvested remainder back to the campaign creator.
	ShapeVCA
)

// String returns the lowercase shape name.
func (s Shape) String() string {
	switch s {
	case ShapeInstant:
		return "instant"
	case ShapeLinear:
		return "linear"
	case ShapeTranche:
		return "tranche"
	case ShapeVCA:
		return "vca"
	default:
		return fmt.Sprintf("shape(%d)", uint8(s))
	}
}

// Campaign parameter constants.
const (
	// PercentageScale is the UD60x18 fixed-point unit: 1e18 == 100%.
	PercentageScale = 1_000_000_000_000_000_000

	// MaxNameLength is the maximum campaign name length in bytes.
	MaxNameLength = 32

	// VCAExpirationGap is the minimum distance, in seconds, between a VCA
	// campaign's vesting end and its expiration (one week). A shorter
	// window would let the creator claw back funds recipients were still
	// accruing toward.
	VCAExpirationGap uint64 = 7 * 24 * 60 * 60
)

// One returns the UD60x18 representation of 100%.
func One() *uint256.Int {
	return uint256.NewInt(PercentageScale)
}

// Campaign validation errors. ErrInvalidCampaign is the root sentinel; the
// specific wraps carry the offending values.
var (
	ErrInvalidCampaign = errors.New("campaign: invalid parameters")

	ErrZeroMerkleRoot      = fmt.Errorf("%w: zero merkle root", ErrInvalidCampaign)
	ErrNativeToken         = fmt.Errorf("%w: distributed token is the native token", ErrInvalidCampaign)
	ErrNameTooLong         = fmt.Errorf("%w: name exceeds 32 bytes", ErrInvalidCampaign)
	ErrMissingSchedule     = fmt.Errorf("%w: shape schedule missing", ErrInvalidCampaign)
	ErrConflictingSchedule = fmt.Errorf("%w: schedule set for a different shape", ErrInvalidCampaign)
	ErrEndNotAfterStart    = fmt.Errorf("%w: vesting end not after start", ErrInvalidCampaign)
	ErrCliffOutOfRange     = fmt.Errorf("%w: cliff outside [start, end]", ErrInvalidCampaign)
	ErrNoTranches          = fmt.Errorf("%w: no tranches", ErrInvalidCampaign)
	ErrTranchesUnsorted    = fmt.Errorf("%w: tranche unlock times not strictly increasing", ErrInvalidCampaign)
	ErrZeroTranchePercent  = fmt.Errorf("%w: tranche has zero percentage", ErrInvalidCampaign)
	ErrPercentageSum       = fmt.Errorf("%w: tranche percentages do not sum to 100%%", ErrInvalidCampaign)
	ErrUnlockTooLarge      = fmt.Errorf("%w: unlock percentage above 100%%", ErrInvalidCampaign)
	ErrExpirationTooEarly  = fmt.Errorf("%w: expiration before the schedule completes", ErrInvalidCampaign)
)

// Tranche is one discrete unlock: Percentage (UD60x18) of the leaf amount
// becomes claimable at UnlockTime.
type Tranche struct {
	UnlockTime uint64
	Percentage *uint256.Int
}

// LinearSchedule parameterizes ShapeLinear. Cliff == 0 means no cliff.
type LinearSchedule struct {
	Start uint64
	Cliff uint64
	End   uint64
}

// TrancheSchedule parameterizes ShapeTranche. Tranches must be ordered by
// strictly increasing unlock time and their percentages must sum to
// exactly PercentageScale.
type TrancheSchedule struct {
	Tranches []Tranche
}

// End returns the last unlock time.
func (s *TrancheSchedule) End() uint64 {
	if len(s.Tranches) == 0 {
		return 0
	}
	return s.Tranches[len(s.Tranches)-1].UnlockTime
}

// TrancheItem is the duration form of a tranche: Percentage unlocks
// Duration seconds after the previous tranche (or after the schedule
// start, for the first).
type TrancheItem struct {
	Percentage *uint256.Int
	Duration   uint64
}

// NewTrancheSchedule converts duration-form tranches into the absolute
// unlock times the calculator works with.
func NewTrancheSchedule(start uint64, items []TrancheItem) *TrancheSchedule {
	ts := &TrancheSchedule{Tranches: make([]Tranche, len(items))}
	at := start
	for i, it := range items {
		at += it.Duration
		ts.Tranches[i] = Tranche{UnlockTime: at, Percentage: it.Percentage}
	}
	return ts
}

// VCASchedule parameterizes ShapeVCA: UnlockPercentage (UD60x18) of the
// leaf amount unlocks at Start, the remainder vests linearly until End.
type VCASchedule struct {
	Start            uint64
	End              uint64
	UnlockPercentage *uint256.Int
}

// Campaign describes one deployed distribution. Immutable after creation.
type Campaign struct {
	// Address identifies the campaign and serves as the EIP-712
	// verifying contract for signature-based claims.
	Address common.Address

	// Creator is the campaign creator: fee-override key and the only
	// party allowed to claw back funds.
	Creator common.Address

	// Token is the distributed ERC-20 asset. The zero address denotes
	// the chain's native token, which cannot be distributed.
	Token common.Address

	// MerkleRoot commits to the full leaf set.
	MerkleRoot common.Hash

	// ChainID scopes EIP-712 signatures to one chain.
	ChainID uint64

	// Name is an informational campaign label, at most 32 bytes.
	Name string

	// ContentID optionally points at off-chain campaign metadata
	// (typically an IPFS CID). Informational.
	ContentID string

	// StartTime is the campaign start, Unix seconds.
	StartTime uint64

	// Expiration is the claim deadline, Unix seconds. Zero means the
	// campaign never expires.
	Expiration uint64

	// AggregateAmount is the total committed across all leaves.
	// Informational; leaf amounts are the enforced entitlements.
	AggregateAmount *uint256.Int

	// RecipientCount is the number of leaves. Informational.
	RecipientCount uint64

	// MinFeeUSD is the campaign's default claim fee floor in micro-USD
	// (1_000_000 == $1). A per-creator comptroller override takes
	// precedence.
	MinFeeUSD uint64

	// Shape selects the distribution curve; exactly one of the schedule
	// fields below must be set, matching the shape.
	Shape    Shape
	Linear   *LinearSchedule
	Tranched *TrancheSchedule
	VCA      *VCASchedule
}

// Expired reports whether the campaign's claim window has closed at the
// given time. Expiration zero never expires.
func (c *Campaign) Expired(now uint64) bool {
	return c.Expiration != 0 && now >= c.Expiration
}

// VestingEnd returns the time at which the campaign's schedule completes:
// the linear end, the last tranche unlock, the VCA end, or the campaign
// start for instant distributions.
func (c *Campaign) VestingEnd() uint64 {
	switch c.Shape {
	case ShapeLinear:
		if c.Linear != nil {
			return c.Linear.End
		}
	case ShapeTranche:
		if c.Tranched != nil {
			return c.Tranched.End()
		}
	case ShapeVCA:
		if c.VCA != nil {
			return c.VCA.End
		}
	}
	return c.StartTime
}

// Validate checks all creation-time invariants. A campaign that passes
// Validate is safe to hand to the vesting calculator and claim ledger.
func (c *Campaign) Validate() error {
	if c.MerkleRoot == (common.Hash{}) {
		return ErrZeroMerkleRoot
	}
	if c.Token == (common.Address{}) {
		return ErrNativeToken
	}
	if len(c.Name) > MaxNameLength {
		return fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(c.Name))
	}
	if err := c.validateSchedule(); err != nil {
		return err
	}
	return c.validateExpiration()
}

// validateSchedule checks that exactly the shape's schedule is present and
// internally consistent.
func (c *Campaign) validateSchedule() error {
	switch c.Shape {
	case ShapeInstant:
		if c.Linear != nil || c.Tranched != nil || c.VCA != nil {
			return ErrConflictingSchedule
		}
		return nil

	case ShapeLinear:
		if c.Tranched != nil || c.VCA != nil {
			return ErrConflictingSchedule
		}
		s := c.Linear
		if s == nil {
			return fmt.Errorf("%w: linear", ErrMissingSchedule)
		}
		if s.End <= s.Start {
			return fmt.Errorf("%w: start %d, end %d", ErrEndNotAfterStart, s.Start, s.End)
		}
		if s.Cliff != 0 && (s.Cliff < s.Start || s.Cliff > s.End) {
			return fmt.Errorf("%w: start %d, cliff %d, end %d", ErrCliffOutOfRange, s.Start, s.Cliff, s.End)
		}
		return nil

	case ShapeTranche:
		if c.Linear != nil || c.VCA != nil {
			return ErrConflictingSchedule
		}
		s := c.Tranched
		if s == nil {
			return fmt.Errorf("%w: tranche", ErrMissingSchedule)
		}
		if len(s.Tranches) == 0 {
			return ErrNoTranches
		}
		sum := new(uint256.Int)
		prev := uint64(0)
		for i, tr := range s.Tranches {
			if i > 0 && tr.UnlockTime <= prev {
				return fmt.Errorf("%w: tranche %d at %d, previous at %d", ErrTranchesUnsorted, i, tr.UnlockTime, prev)
			}
			prev = tr.UnlockTime
			if tr.Percentage == nil || tr.Percentage.IsZero() {
				return fmt.Errorf("%w: tranche %d", ErrZeroTranchePercent, i)
			}
			sum.Add(sum, tr.Percentage)
		}
		if !sum.Eq(One()) {
			return fmt.Errorf("%w: sum %s, want %d", ErrPercentageSum, sum, uint64(PercentageScale))
		}
		return nil

	case ShapeVCA:
		if c.Linear != nil || c.Tranched != nil {
			return ErrConflictingSchedule
		}
		s := c.VCA
		if s == nil {
			return fmt.Errorf("%w: vca", ErrMissingSchedule)
		}
		if s.End <= s.Start {
			return fmt.Errorf("%w: start %d, end %d", ErrEndNotAfterStart, s.Start, s.End)
		}
		if s.UnlockPercentage != nil && s.UnlockPercentage.Gt(One()) {
			return fmt.Errorf("%w: %s", ErrUnlockTooLarge, s.UnlockPercentage)
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown shape %d", ErrInvalidCampaign, uint8(c.Shape))
	}
}

// validateExpiration enforces the shape-specific minimum claim horizon:
// the claim window must stay open at least until the schedule completes,
// and one extra week for VCA campaigns.
func (c *Campaign) validateExpiration() error {
	if c.Expiration == 0 {
		return nil
	}
	floor := c.VestingEnd()
	if c.Shape == ShapeVCA {
		floor += VCAExpirationGap
	}
	if c.Shape == ShapeInstant {
		// Instant campaigns only need a nonempty window.
		if c.Expiration <= c.StartTime {
			return fmt.Errorf("%w: expiration %d, start %d", ErrExpirationTooEarly, c.Expiration, c.StartTime)
		}
		return nil
	}
	if c.Expiration < floor {
		return fmt.Errorf("%w: expiration %d, need >= %d", ErrExpirationTooEarly, c.Expiration, floor)
	}
	return nil
}
