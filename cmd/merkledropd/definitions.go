// definitions.go loads the campaign definitions document: the JSON file
// naming each campaign's parameters and recipient list. The daemon
// builds one Merkle tree and one ledger per definition.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/merkledrop/merkledrop/campaign"
	"github.com/merkledrop/merkledrop/merkle"
)

// Definition loading errors.
var (
	ErrDefinitionsNotFound = errors.New("merkledropd: definitions file not found")
	ErrInvalidDefinition   = errors.New("merkledropd: invalid campaign definition")
	ErrNoCampaigns         = errors.New("merkledropd: definitions file names no campaigns")
)

// DefinitionsFile is the top-level definitions document.
type DefinitionsFile struct {
	// Oracle optionally pins a static native-token price for USD fee
	// conversion. Without it, campaigns with a nonzero fee cannot
	// settle claims.
	Oracle *OracleDefinition `json:"oracle,omitempty"`

	// Campaigns lists the campaigns to serve.
	Campaigns []CampaignDefinition `json:"campaigns"`
}

// OracleDefinition is a fixed price quote in the feed's own fixed-point
// representation: "400000000000" with eight decimals reads as $4000.
type OracleDefinition struct {
	Price    string `json:"price"`
	Decimals uint8  `json:"decimals"`
}

// CampaignDefinition describes one campaign. Amount and percentage
// fields are decimal strings (0x hex accepted); times are Unix seconds.
type CampaignDefinition struct {
	// Address pins the campaign address. Empty derives one from the
	// creator, token, Merkle root and name.
	Address string `json:"address,omitempty"`

	Creator    string `json:"creator"`
	Token      string `json:"token"`
	ChainID    uint64 `json:"chainId,omitempty"`
	Name       string `json:"name"`
	ContentID  string `json:"contentId,omitempty"`
	StartTime  uint64 `json:"startTime"`
	Expiration uint64 `json:"expiration,omitempty"`
	MinFeeUSD  uint64 `json:"minFeeUsd,omitempty"`

	// Shape is one of instant (the default), linear, tranche or vca,
	// with the matching schedule block set.
	Shape    string              `json:"shape,omitempty"`
	Linear   *LinearDefinition   `json:"linear,omitempty"`
	Tranches []TrancheDefinition `json:"tranches,omitempty"`
	VCA      *VCADefinition      `json:"vca,omitempty"`

	Recipients []RecipientDefinition `json:"recipients"`
}

// LinearDefinition mirrors campaign.LinearSchedule.
type LinearDefinition struct {
	Start uint64 `json:"start"`
	Cliff uint64 `json:"cliff,omitempty"`
	End   uint64 `json:"end"`
}

// TrancheDefinition is one discrete unlock at an absolute time.
type TrancheDefinition struct {
	UnlockTime uint64 `json:"unlockTime"`
	Percentage string `json:"percentage"`
}

// VCADefinition mirrors campaign.VCASchedule.
type VCADefinition struct {
	Start            uint64 `json:"start"`
	End              uint64 `json:"end"`
	UnlockPercentage string `json:"unlockPercentage"`
}

// RecipientDefinition is one leaf of the distribution list.
type RecipientDefinition struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

// LoadDefinitions reads and decodes the definitions document at path.
func LoadDefinitions(path string) (*DefinitionsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDefinitionsNotFound, path)
		}
		return nil, fmt.Errorf("read definitions: %w", err)
	}
	var file DefinitionsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if len(file.Campaigns) == 0 {
		return nil, ErrNoCampaigns
	}
	return &file, nil
}

// BuildCampaign turns a definition into a validated campaign and its
// Merkle tree. Definitions without a chain id inherit defaultChainID.
func BuildCampaign(def *CampaignDefinition, defaultChainID uint64) (*campaign.Campaign, *merkle.Tree, error) {
	entries := make([]merkle.Entry, len(def.Recipients))
	for i, r := range def.Recipients {
		addr, err := parseAddress(r.Address)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %q recipient %d: %v", ErrInvalidDefinition, def.Name, i, err)
		}
		amount, err := parseUint256(r.Amount)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %q recipient %d amount: %v", ErrInvalidDefinition, def.Name, i, err)
		}
		entries[i] = merkle.Entry{Recipient: addr, Amount: amount}
	}
	tree, err := merkle.NewTree(entries)
	if err != nil {
		return nil, nil, fmt.Errorf("campaign %q: %w", def.Name, err)
	}

	creator, err := parseAddress(def.Creator)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %q creator: %v", ErrInvalidDefinition, def.Name, err)
	}
	tok, err := parseAddress(def.Token)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %q token: %v", ErrInvalidDefinition, def.Name, err)
	}

	chainID := def.ChainID
	if chainID == 0 {
		chainID = defaultChainID
	}

	camp := &campaign.Campaign{
		Creator:         creator,
		Token:           tok,
		MerkleRoot:      tree.Root(),
		ChainID:         chainID,
		Name:            def.Name,
		ContentID:       def.ContentID,
		StartTime:       def.StartTime,
		Expiration:      def.Expiration,
		AggregateAmount: tree.TotalAmount(),
		RecipientCount:  uint64(tree.Len()),
		MinFeeUSD:       def.MinFeeUSD,
	}
	if err := applyShape(camp, def); err != nil {
		return nil, nil, err
	}

	if def.Address != "" {
		addr, err := parseAddress(def.Address)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %q address: %v", ErrInvalidDefinition, def.Name, err)
		}
		camp.Address = addr
	} else {
		camp.Address = deriveAddress(creator, tok, tree.Root(), def.Name)
	}

	if err := camp.Validate(); err != nil {
		return nil, nil, fmt.Errorf("campaign %q: %w", def.Name, err)
	}
	return camp, tree, nil
}

// applyShape sets the campaign shape and its schedule from the
// definition.
func applyShape(camp *campaign.Campaign, def *CampaignDefinition) error {
	switch strings.ToLower(strings.TrimSpace(def.Shape)) {
	case "instant", "":
		camp.Shape = campaign.ShapeInstant
	case "linear":
		camp.Shape = campaign.ShapeLinear
		if def.Linear == nil {
			return fmt.Errorf("%w: %q: linear shape without a linear block", ErrInvalidDefinition, def.Name)
		}
		camp.Linear = &campaign.LinearSchedule{Start: def.Linear.Start, Cliff: def.Linear.Cliff, End: def.Linear.End}
	case "tranche":
		camp.Shape = campaign.ShapeTranche
		if len(def.Tranches) == 0 {
			return fmt.Errorf("%w: %q: tranche shape without tranches", ErrInvalidDefinition, def.Name)
		}
		ts := &campaign.TrancheSchedule{Tranches: make([]campaign.Tranche, len(def.Tranches))}
		for i, tr := range def.Tranches {
			pct, err := parseUint256(tr.Percentage)
			if err != nil {
				return fmt.Errorf("%w: %q tranche %d percentage: %v", ErrInvalidDefinition, def.Name, i, err)
			}
			ts.Tranches[i] = campaign.Tranche{UnlockTime: tr.UnlockTime, Percentage: pct}
		}
		camp.Tranched = ts
	case "vca":
		camp.Shape = campaign.ShapeVCA
		if def.VCA == nil {
			return fmt.Errorf("%w: %q: vca shape without a vca block", ErrInvalidDefinition, def.Name)
		}
		pct, err := parseUint256(def.VCA.UnlockPercentage)
		if err != nil {
			return fmt.Errorf("%w: %q vca unlock percentage: %v", ErrInvalidDefinition, def.Name, err)
		}
		camp.VCA = &campaign.VCASchedule{Start: def.VCA.Start, End: def.VCA.End, UnlockPercentage: pct}
	default:
		return fmt.Errorf("%w: %q: unknown shape %q", ErrInvalidDefinition, def.Name, def.Shape)
	}
	return nil
}

// deriveAddress assigns a deterministic address to a definition that does
// not pin one: the trailing 20 bytes of keccak256 over the creator, the
// token, the Merkle root and the name.
func deriveAddress(creator, token common.Address, root common.Hash, name string) common.Address {
	h := crypto.Keccak256(creator.Bytes(), token.Bytes(), root.Bytes(), []byte(name))
	return common.BytesToAddress(h[12:])
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("bad address %q", s)
	}
	return common.HexToAddress(s), nil
}

func parseUint256(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, errors.New("empty value")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return uint256.FromHex(s)
	}
	return uint256.FromDecimal(s)
}
