package comptroller

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type failingOracle struct{ err error }

func (o failingOracle) NativePrice(ctx context.Context) (Quote, error) {
	return Quote{}, o.err
}

// TestConvertUSDFeeToWei checks the conversion against hand-computed
// values at both Chainlink-style and 18-decimal price precision.
func TestConvertUSDFeeToWei(t *testing.T) {
	tests := []struct {
		name     string
		feeUSD   uint64
		price    *uint256.Int
		decimals uint8
		wantWei  *uint256.Int
	}{
		// 1 USD at 4000 USD/native, 8-decimal feed: 0.00025 native.
		{"one dollar", 1_000_000, uint256.NewInt(4000_00000000), 8, uint256.NewInt(250_000_000_000_000)},
		// 100 USD at 2500 USD/native: 0.04 native.
		{"hundred dollars", 100_000_000, uint256.NewInt(2500_00000000), 8, uint256.NewInt(40_000_000_000_000_000)},
		// Same dollar at an 18-decimal feed gives the same wei.
		{"18-decimal feed", 1_000_000, new(uint256.Int).Mul(uint256.NewInt(4000), uint256.NewInt(1e18)), 18, uint256.NewInt(250_000_000_000_000)},
		// 3 USD at 1 USD/native: 3 native exactly.
		{"unit price", 3_000_000, uint256.NewInt(1_00000000), 8, new(uint256.Int).Mul(uint256.NewInt(3), uint256.NewInt(1e18))},
	}
	for _, tt := range tests {
		got, err := ConvertUSDFeeToWei(tt.feeUSD, Quote{Price: tt.price, Decimals: tt.decimals})
		if err != nil {
			t.Errorf("%s: ConvertUSDFeeToWei: %v", tt.name, err)
			continue
		}
		if !got.Eq(tt.wantWei) {
			t.Errorf("%s: wei = %s, want %s", tt.name, got, tt.wantWei)
		}
	}
}

// TestConvertUSDFeeToWeiRejectsBadQuotes verifies unusable quotes fail
// instead of producing a bogus fee.
func TestConvertUSDFeeToWeiRejectsBadQuotes(t *testing.T) {
	if _, err := ConvertUSDFeeToWei(1_000_000, Quote{Price: new(uint256.Int), Decimals: 8}); !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("zero price: err = %v, want ErrPriceUnavailable", err)
	}
	if _, err := ConvertUSDFeeToWei(1_000_000, Quote{Price: nil, Decimals: 8}); !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("nil price: err = %v, want ErrPriceUnavailable", err)
	}
	if _, err := ConvertUSDFeeToWei(1_000_000, Quote{Price: uint256.NewInt(1), Decimals: MaxOracleDecimals + 1}); !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("oversized decimals: err = %v, want ErrPriceUnavailable", err)
	}
}

// TestCustomFeeOverrides verifies override presence semantics: unset
// falls back to the default, zero is a real override, unset restores.
func TestCustomFeeOverrides(t *testing.T) {
	creator := common.HexToAddress("0xabc0000000000000000000000000000000000001")
	c := New(NewStaticOracle(uint256.NewInt(4000_00000000), 8))

	if got := c.FeeUSDFor(creator, 2_000_000); got != 2_000_000 {
		t.Errorf("no override: fee = %d, want default 2000000", got)
	}
	if _, ok := c.CustomFeeUSD(creator); ok {
		t.Error("CustomFeeUSD reports an override before one is set")
	}

	if err := c.SetCustomFeeUSD(creator, 500_000); err != nil {
		t.Fatalf("SetCustomFeeUSD: %v", err)
	}
	if got := c.FeeUSDFor(creator, 2_000_000); got != 500_000 {
		t.Errorf("override: fee = %d, want 500000", got)
	}

	// Zero override exempts the creator; the default must not leak back.
	if err := c.SetCustomFeeUSD(creator, 0); err != nil {
		t.Fatalf("SetCustomFeeUSD(0): %v", err)
	}
	if got := c.FeeUSDFor(creator, 2_000_000); got != 0 {
		t.Errorf("zero override: fee = %d, want 0", got)
	}
	if feeUSD, ok := c.CustomFeeUSD(creator); !ok || feeUSD != 0 {
		t.Errorf("CustomFeeUSD = %d, %v, want 0, true", feeUSD, ok)
	}

	c.UnsetCustomFee(creator)
	if got := c.FeeUSDFor(creator, 2_000_000); got != 2_000_000 {
		t.Errorf("after unset: fee = %d, want default 2000000", got)
	}
}

// TestSetCustomFeeCap verifies the 100 USD override ceiling.
func TestSetCustomFeeCap(t *testing.T) {
	c := New(nil)
	creator := common.HexToAddress("0xabc0000000000000000000000000000000000002")

	if err := c.SetCustomFeeUSD(creator, MaxFeeUSD); err != nil {
		t.Errorf("SetCustomFeeUSD(max): %v", err)
	}
	if err := c.SetCustomFeeUSD(creator, MaxFeeUSD+1); !errors.Is(err, ErrFeeTooHigh) {
		t.Errorf("SetCustomFeeUSD(max+1): err = %v, want ErrFeeTooHigh", err)
	}
	// The failed set must not clobber the stored override.
	if feeUSD, ok := c.CustomFeeUSD(creator); !ok || feeUSD != MaxFeeUSD {
		t.Errorf("override after failed set = %d, %v, want %d, true", feeUSD, ok, uint64(MaxFeeUSD))
	}
}

// TestFeeInWei verifies fee resolution end to end, including the
// oracle-skipping zero path and oracle failure propagation.
func TestFeeInWei(t *testing.T) {
	ctx := context.Background()
	creator := common.HexToAddress("0xabc0000000000000000000000000000000000003")

	c := New(NewStaticOracle(uint256.NewInt(4000_00000000), 8))
	wei, err := c.FeeInWei(ctx, creator, 1_000_000)
	if err != nil {
		t.Fatalf("FeeInWei: %v", err)
	}
	if want := uint256.NewInt(250_000_000_000_000); !wei.Eq(want) {
		t.Errorf("fee = %s wei, want %s", wei, want)
	}

	// Zero fee never consults the oracle.
	c = New(failingOracle{err: errors.New("feed down")})
	if err := c.SetCustomFeeUSD(creator, 0); err != nil {
		t.Fatalf("SetCustomFeeUSD: %v", err)
	}
	wei, err = c.FeeInWei(ctx, creator, 1_000_000)
	if err != nil {
		t.Fatalf("zero fee hit the oracle: %v", err)
	}
	if !wei.IsZero() {
		t.Errorf("zero-fee wei = %s, want 0", wei)
	}

	// Nonzero fee with a broken oracle fails.
	c.UnsetCustomFee(creator)
	if _, err := c.FeeInWei(ctx, creator, 1_000_000); !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("broken oracle: err = %v, want ErrPriceUnavailable", err)
	}

	// No oracle at all: zero default is fine, anything else fails.
	c = New(nil)
	if wei, err := c.FeeInWei(ctx, creator, 0); err != nil || !wei.IsZero() {
		t.Errorf("nil oracle zero fee: %s, %v", wei, err)
	}
	if _, err := c.FeeInWei(ctx, creator, 1); !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("nil oracle nonzero fee: err = %v, want ErrPriceUnavailable", err)
	}
}

// TestStaticOracleSetPrice verifies quote replacement and defensive
// copying.
func TestStaticOracleSetPrice(t *testing.T) {
	price := uint256.NewInt(1000_00000000)
	o := NewStaticOracle(price, 8)

	price.SetUint64(1) // caller mutation must not reach the oracle
	q, err := o.NativePrice(context.Background())
	if err != nil {
		t.Fatalf("NativePrice: %v", err)
	}
	if !q.Price.Eq(uint256.NewInt(1000_00000000)) {
		t.Errorf("price = %s, want 100000000000", q.Price)
	}

	o.SetPrice(uint256.NewInt(2000_00000000), 8)
	q, err = o.NativePrice(context.Background())
	if err != nil {
		t.Fatalf("NativePrice: %v", err)
	}
	if !q.Price.Eq(uint256.NewInt(2000_00000000)) {
		t.Errorf("price after SetPrice = %s", q.Price)
	}
}
