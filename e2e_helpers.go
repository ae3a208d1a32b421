// e2e_helpers.go provides shared fixtures for the end-to-end tests at
// the repository root. This file establishes the base package, so the
// external test files can assemble full claim stacks through its
// exported helpers.
package e2e

import (
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"

	"github.com/merkledrop/merkledrop/api"
	"github.com/merkledrop/merkledrop/campaign"
	"github.com/merkledrop/merkledrop/comptroller"
	"github.com/merkledrop/merkledrop/ledger"
	"github.com/merkledrop/merkledrop/log"
	"github.com/merkledrop/merkledrop/merkle"
	"github.com/merkledrop/merkledrop/metrics"
	"github.com/merkledrop/merkledrop/token"
)

// Shared fixture constants.
const (
	// GenesisTime is the fake clock's starting point, Unix seconds.
	GenesisTime uint64 = 1_700_000_000

	// Day is one day in seconds.
	Day uint64 = 24 * 60 * 60

	// OraclePrice is the fixture's native-token price: $4000 at
	// OracleDecimals.
	OraclePrice    uint64 = 400_000_000_000
	OracleDecimals uint8  = 8

	// OneUSDFeeWei is a $1 fee converted at OraclePrice, as the decimal
	// string claim submissions carry.
	OneUSDFeeWei = "250000000000000"
)

// Addr returns a deterministic test address from a seed byte.
func Addr(seed byte) common.Address {
	return common.BytesToAddress([]byte{seed})
}

// Days converts whole days to a clock-advance duration.
func Days(n uint64) time.Duration {
	return time.Duration(n*Day) * time.Second
}

// Stack is a fully wired claim stack: the HTTP server, the shared token
// backend behind every campaign, the fee comptroller and the fake clock
// driving both ledgers and eligibility previews.
type Stack struct {
	Server  *api.Server
	Tokens  *token.MemoryBackend
	Clock   *clockwork.FakeClock
	Fees    *comptroller.Comptroller
	Metrics *metrics.Registry

	logger *log.Logger
}

// NewStack assembles a claim stack at GenesisTime with a static
// OraclePrice oracle. Rate limiting is disabled; the tests drive the
// router directly.
func NewStack() *Stack {
	clk := clockwork.NewFakeClockAt(time.Unix(int64(GenesisTime), 0).UTC())
	reg := metrics.NewRegistry()
	quiet := log.New(slog.LevelError)

	srv := api.NewServer(api.Config{
		Logger:    quiet.Module("api"),
		Metrics:   reg,
		Clock:     clk,
		RateLimit: -1,
	})

	return &Stack{
		Server:  srv,
		Tokens:  token.NewMemoryBackend(),
		Clock:   clk,
		Fees:    comptroller.New(comptroller.NewStaticOracle(uint256.NewInt(OraclePrice), OracleDecimals)),
		Metrics: reg,
		logger:  quiet,
	}
}

// AddCampaign builds the Merkle tree for entries, completes the campaign
// with the tree's commitments, funds it on the token backend and
// registers its ledger with the server.
func (s *Stack) AddCampaign(camp *campaign.Campaign, entries []merkle.Entry) (*ledger.Ledger, *merkle.Tree, error) {
	tree, err := merkle.NewTree(entries)
	if err != nil {
		return nil, nil, err
	}
	camp.MerkleRoot = tree.Root()
	camp.AggregateAmount = tree.TotalAmount()
	camp.RecipientCount = uint64(tree.Len())

	s.Tokens.Mint(camp.Token, camp.Address, tree.TotalAmount())

	led, err := ledger.New(ledger.Config{
		Campaign:    camp,
		Comptroller: s.Fees,
		Tokens:      s.Tokens,
		Clock:       s.Clock,
		Logger:      s.logger.Module("ledger"),
		Metrics:     ledger.NewClaimMetrics(s.Metrics),
	})
	if err != nil {
		return nil, nil, err
	}
	if err := s.Server.AddCampaign(led, tree); err != nil {
		return nil, nil, err
	}
	return led, tree, nil
}

// ClaimBody builds the claim submission for the given leaf, with value
// attached as the fee payment.
func ClaimBody(tree *merkle.Tree, index uint64, value string) (api.ClaimSubmission, error) {
	leaf, err := tree.Leaf(index)
	if err != nil {
		return api.ClaimSubmission{}, err
	}
	proof, err := tree.Proof(index)
	if err != nil {
		return api.ClaimSubmission{}, err
	}
	hexes := make([]string, len(proof))
	for i, p := range proof {
		hexes[i] = p.Hex()
	}
	return api.ClaimSubmission{
		Index:     index,
		Recipient: leaf.Recipient.Hex(),
		Amount:    leaf.Amount.Dec(),
		Proof:     hexes,
		Value:     value,
	}, nil
}
