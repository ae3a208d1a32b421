// comptroller.go implements USD-pegged claim fee policy. Campaigns
// carry a minimum fee in micro-USD; the comptroller resolves the
// effective fee for a campaign creator, honoring per-creator overrides,
// and converts it to native-currency wei through a price oracle.
package comptroller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/merkledrop/merkledrop/metrics"
)

// Fee constants. USD amounts use micro-USD units: 1_000_000 is one dollar.
const (
	// MaxFeeUSD caps custom fee overrides at 100 USD.
	MaxFeeUSD = 100_000_000

	// MicroUSDDecimals is the fractional precision of USD fee amounts.
	MicroUSDDecimals = 6

	// WeiDecimals is the fractional precision of the native currency.
	WeiDecimals = 18

	// MaxOracleDecimals bounds 10^(decimals+12) to 256 bits.
	MaxOracleDecimals = 36
)

var (
	// ErrFeeTooHigh is returned when a custom fee override exceeds MaxFeeUSD.
	ErrFeeTooHigh = errors.New("comptroller: custom fee above maximum")

	// ErrPriceUnavailable is returned when the native price cannot be
	// obtained or is unusable. Fee computation fails rather than guessing.
	ErrPriceUnavailable = errors.New("comptroller: native price unavailable")
)

// Quote is a native-currency price in USD carrying Decimals fractional
// digits, the convention Chainlink-style feeds use (price 4000_00000000
// with 8 decimals is 4000 USD).
type Quote struct {
	Price    *uint256.Int
	Decimals uint8
}

// PriceOracle supplies the current native-currency price. Staleness and
// failure handling live behind this interface; a failed lookup aborts
// fee computation.
type PriceOracle interface {
	NativePrice(ctx context.Context) (Quote, error)
}

// StaticOracle is a PriceOracle pinned to a fixed quote, settable at
// runtime. It serves configuration-driven deployments and tests.
type StaticOracle struct {
	mu    sync.RWMutex
	quote Quote
}

// NewStaticOracle creates a StaticOracle quoting price at the given
// decimal precision.
func NewStaticOracle(price *uint256.Int, decimals uint8) *StaticOracle {
	o := &StaticOracle{}
	o.SetPrice(price, decimals)
	return o
}

// NativePrice implements PriceOracle.
func (o *StaticOracle) NativePrice(ctx context.Context) (Quote, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return Quote{Price: new(uint256.Int).Set(o.quote.Price), Decimals: o.quote.Decimals}, nil
}

// SetPrice replaces the pinned quote.
func (o *StaticOracle) SetPrice(price *uint256.Int, decimals uint8) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if price == nil {
		price = new(uint256.Int)
	}
	o.quote = Quote{Price: new(uint256.Int).Set(price), Decimals: decimals}
}

// Comptroller resolves and converts claim fees. All methods are safe
// for concurrent use.
type Comptroller struct {
	oracle PriceOracle

	mu        sync.RWMutex
	overrides map[common.Address]uint64 // creator -> micro-USD fee
}

// New creates a Comptroller backed by the given oracle. A nil oracle is
// allowed; only zero fees can then be computed.
func New(oracle PriceOracle) *Comptroller {
	return &Comptroller{
		oracle:    oracle,
		overrides: make(map[common.Address]uint64),
	}
}

// SetCustomFeeUSD installs a per-creator fee override in micro-USD.
// Zero is a valid override: it exempts the creator's campaigns from
// fees entirely.
func (c *Comptroller) SetCustomFeeUSD(creator common.Address, feeUSD uint64) error {
	if feeUSD > MaxFeeUSD {
		return fmt.Errorf("%w: %d, max %d", ErrFeeTooHigh, feeUSD, uint64(MaxFeeUSD))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides[creator] = feeUSD
	return nil
}

// UnsetCustomFee removes a creator's override so their campaigns fall
// back to the campaign default.
func (c *Comptroller) UnsetCustomFee(creator common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.overrides, creator)
}

// CustomFeeUSD returns a creator's override and whether one is set.
func (c *Comptroller) CustomFeeUSD(creator common.Address) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	feeUSD, ok := c.overrides[creator]
	return feeUSD, ok
}

// FeeUSDFor resolves the effective micro-USD fee for a creator: the
// override when one is set, the campaign default otherwise.
func (c *Comptroller) FeeUSDFor(creator common.Address, defaultFeeUSD uint64) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if feeUSD, ok := c.overrides[creator]; ok {
		return feeUSD
	}
	return defaultFeeUSD
}

// FeeInWei resolves the effective fee for a creator and converts it to
// wei at the oracle's current price. A zero fee converts to zero
// without consulting the oracle.
func (c *Comptroller) FeeInWei(ctx context.Context, creator common.Address, defaultFeeUSD uint64) (*uint256.Int, error) {
	feeUSD := c.FeeUSDFor(creator, defaultFeeUSD)
	if feeUSD == 0 {
		return new(uint256.Int), nil
	}
	if c.oracle == nil {
		return nil, fmt.Errorf("%w: no oracle configured", ErrPriceUnavailable)
	}
	metrics.OracleQueries.Inc()
	quote, err := c.oracle.NativePrice(ctx)
	if err != nil {
		metrics.OracleErrors.Inc()
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	return ConvertUSDFeeToWei(feeUSD, quote)
}

// ConvertUSDFeeToWei converts a micro-USD fee to wei at the quoted
// price:
//
//	wei = feeUSD * 10^(decimals + 18 - 6) / price
//
// The exponent lifts micro-USD into the quote's precision and the
// result into wei. Division truncates toward zero.
func ConvertUSDFeeToWei(feeUSD uint64, q Quote) (*uint256.Int, error) {
	if q.Price == nil || q.Price.IsZero() {
		return nil, fmt.Errorf("%w: zero price", ErrPriceUnavailable)
	}
	if q.Decimals > MaxOracleDecimals {
		return nil, fmt.Errorf("%w: %d price decimals, max %d", ErrPriceUnavailable, q.Decimals, uint64(MaxOracleDecimals))
	}
	exp := uint64(q.Decimals) + WeiDecimals - MicroUSDDecimals
	scale := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(exp))
	wei, _ := new(uint256.Int).MulDivOverflow(uint256.NewInt(feeUSD), scale, q.Price)
	return wei, nil
}
