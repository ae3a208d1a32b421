// vesting.go computes time-based unlock amounts for the four campaign
// shapes. All functions are pure: the claimable amount is a function of
// the leaf entitlement, the schedule, and a caller-supplied clock
// reading, with no mutation of campaign state.
package vesting

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/merkledrop/merkledrop/campaign"
)

// ErrUnknownShape is returned when a campaign carries a shape value the
// calculator has no schedule for.
var ErrUnknownShape = errors.New("vesting: unknown campaign shape")

// Compute returns the split of a leaf's entitlement at now: the portion
// payable to the recipient and the portion forgone back to the campaign
// creator. Forgone is nonzero only for VCA campaigns, where claiming
// before the vesting end forfeits the unvested remainder. The returned
// values always sum to amount.
func Compute(c *campaign.Campaign, amount *uint256.Int, now uint64) (claimable, forgone *uint256.Int, err error) {
	switch c.Shape {
	case campaign.ShapeInstant:
		return new(uint256.Int).Set(amount), new(uint256.Int), nil
	case campaign.ShapeLinear:
		return LinearClaimable(c.Linear, amount, now), new(uint256.Int), nil
	case campaign.ShapeTranche:
		return TrancheClaimable(c.Tranched, amount, now), new(uint256.Int), nil
	case campaign.ShapeVCA:
		claimable, forgone = VCAClaim(c.VCA, amount, now)
		return claimable, forgone, nil
	default:
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownShape, uint8(c.Shape))
	}
}

// Claimable returns only the recipient-payable portion at now. It is the
// eligibility-query form of Compute.
func Claimable(c *campaign.Campaign, amount *uint256.Int, now uint64) (*uint256.Int, error) {
	claimable, _, err := Compute(c, amount, now)
	return claimable, err
}

// LinearClaimable returns the unlocked portion of amount at now for a
// linear schedule. Before the start (and before the cliff, when one is
// set) nothing is unlocked; between start and end the unlock
// interpolates as amount * elapsed / duration measured from the
// schedule start; at or after the end the full amount is unlocked.
func LinearClaimable(s *campaign.LinearSchedule, amount *uint256.Int, now uint64) *uint256.Int {
	if now <= s.Start {
		return new(uint256.Int)
	}
	if s.Cliff != 0 && now < s.Cliff {
		return new(uint256.Int)
	}
	if now >= s.End {
		return new(uint256.Int).Set(amount)
	}
	elapsed := uint256.NewInt(now - s.Start)
	duration := uint256.NewInt(s.End - s.Start)
	claimable, _ := new(uint256.Int).MulDivOverflow(amount, elapsed, duration)
	return claimable
}

// TrancheAmounts splits amount across a tranche schedule. Each tranche
// receives floor(amount * percentage / 1e18), except the last, which
// receives whatever remains so that the per-tranche amounts sum to
// amount exactly regardless of rounding.
func TrancheAmounts(s *campaign.TrancheSchedule, amount *uint256.Int) []*uint256.Int {
	amounts := make([]*uint256.Int, len(s.Tranches))
	paid := new(uint256.Int)
	for i, tr := range s.Tranches {
		if i == len(s.Tranches)-1 {
			amounts[i] = new(uint256.Int).Sub(amount, paid)
			break
		}
		share, _ := new(uint256.Int).MulDivOverflow(amount, tr.Percentage, campaign.One())
		amounts[i] = share
		paid.Add(paid, share)
	}
	return amounts
}

// TrancheClaimable returns the sum of the tranche amounts whose unlock
// time has passed at now. Once the last tranche unlocks the sum equals
// amount exactly.
func TrancheClaimable(s *campaign.TrancheSchedule, amount *uint256.Int, now uint64) *uint256.Int {
	claimable := new(uint256.Int)
	for i, share := range TrancheAmounts(s, amount) {
		if now < s.Tranches[i].UnlockTime {
			break
		}
		claimable.Add(claimable, share)
	}
	return claimable
}

// VCAClaim returns the amount payable now and the amount forgone to the
// creator for a variable-claim-amount schedule. The vested fraction
// starts at the unlock percentage and grows linearly to 100% at the
// schedule end; claiming locks in the current fraction and forfeits the
// rest. The two return values always sum to amount.
func VCAClaim(s *campaign.VCASchedule, amount *uint256.Int, now uint64) (claimable, forgone *uint256.Int) {
	switch {
	case now >= s.End:
		return new(uint256.Int).Set(amount), new(uint256.Int)
	case now < s.Start:
		return new(uint256.Int), new(uint256.Int).Set(amount)
	}

	unlock := s.UnlockPercentage
	if unlock == nil {
		unlock = new(uint256.Int)
	}

	// vested = unlock + (1 - unlock) * elapsed / duration, in UD60x18.
	elapsed := uint256.NewInt(now - s.Start)
	duration := uint256.NewInt(s.End - s.Start)
	rest := new(uint256.Int).Sub(campaign.One(), unlock)
	vested, _ := new(uint256.Int).MulDivOverflow(rest, elapsed, duration)
	vested.Add(vested, unlock)

	claimable, _ = new(uint256.Int).MulDivOverflow(amount, vested, campaign.One())
	forgone = new(uint256.Int).Sub(amount, claimable)
	return claimable, forgone
}
