// handlers.go implements the JSON endpoints: campaign listing and detail,
// per-recipient eligibility with proofs and a claimable preview, claim
// submission, and the health check. Amount fields are decimal strings
// (hex accepted on input); hashes and addresses are 0x-prefixed hex.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"github.com/merkledrop/merkledrop/comptroller"
	"github.com/merkledrop/merkledrop/eip712"
	"github.com/merkledrop/merkledrop/ledger"
	"github.com/merkledrop/merkledrop/vesting"
)

// CampaignSummary is the listing view of a campaign.
type CampaignSummary struct {
	Address         common.Address `json:"address"`
	Name            string         `json:"name"`
	Shape           string         `json:"shape"`
	Token           common.Address `json:"token"`
	MerkleRoot      common.Hash    `json:"merkleRoot"`
	StartTime       uint64         `json:"startTime"`
	Expiration      uint64         `json:"expiration,omitempty"`
	RecipientCount  uint64         `json:"recipientCount"`
	AggregateAmount string         `json:"aggregateAmount"`
	MinFeeUSD       uint64         `json:"minFeeUsd"`
	ClaimedCount    uint64         `json:"claimedCount"`
}

// LinearView is the linear schedule in detail responses.
type LinearView struct {
	Start uint64 `json:"start"`
	Cliff uint64 `json:"cliff,omitempty"`
	End   uint64 `json:"end"`
}

// TrancheView is one tranche in detail responses. Percentage is the
// UD60x18 value as a decimal string.
type TrancheView struct {
	UnlockTime uint64 `json:"unlockTime"`
	Percentage string `json:"percentage"`
}

// VCAView is the VCA schedule in detail responses.
type VCAView struct {
	Start            uint64 `json:"start"`
	End              uint64 `json:"end"`
	UnlockPercentage string `json:"unlockPercentage"`
}

// CampaignDetail is the single-campaign view: the summary plus schedule
// parameters and ledger accounting.
type CampaignDetail struct {
	CampaignSummary
	Creator        common.Address `json:"creator"`
	ChainID        uint64         `json:"chainId"`
	ContentID      string         `json:"contentId,omitempty"`
	Linear         *LinearView    `json:"linear,omitempty"`
	Tranches       []TrancheView  `json:"tranches,omitempty"`
	VCA            *VCAView       `json:"vca,omitempty"`
	CollectedFees  string         `json:"collectedFeesWei"`
	ForgoneTotal   string         `json:"forgoneTotal"`
	FirstClaimTime uint64         `json:"firstClaimTime,omitempty"`
}

// EligibilityLeaf is one entitlement of a recipient, with the proof
// needed to claim it and a claimable preview at the response time.
type EligibilityLeaf struct {
	Index     uint64        `json:"index"`
	Amount    string        `json:"amount"`
	Proof     []common.Hash `json:"proof"`
	Claimed   bool          `json:"claimed"`
	Claimable string        `json:"claimable"`
	Forgone   string        `json:"forgone"`
}

// EligibilityResponse lists a recipient's leaves in one campaign.
type EligibilityResponse struct {
	Campaign  common.Address    `json:"campaign"`
	Recipient common.Address    `json:"recipient"`
	AsOf      uint64            `json:"asOf"`
	Leaves    []EligibilityLeaf `json:"leaves"`
}

// ClaimSubmission is the POST /claims request body.
type ClaimSubmission struct {
	Index     uint64   `json:"index"`
	Recipient string   `json:"recipient"`
	To        string   `json:"to,omitempty"`
	Amount    string   `json:"amount"`
	Proof     []string `json:"proof"`
	Value     string   `json:"value,omitempty"`
	Signature string   `json:"signature,omitempty"`
	ValidFrom uint64   `json:"validFrom,omitempty"`
}

// ClaimResponse reports a settled claim.
type ClaimResponse struct {
	Index     uint64         `json:"index"`
	Recipient common.Address `json:"recipient"`
	To        common.Address `json:"to"`
	Claimed   string         `json:"claimed"`
	Forgone   string         `json:"forgone"`
	FeePaid   string         `json:"feePaidWei"`
	Time      uint64         `json:"time"`
}

// handleHealth reports liveness and the number of served campaigns.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"campaigns": s.registry.Len(),
	})
}

// handleListCampaigns returns summaries of every registered campaign in
// address order.
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	ledgers := s.registry.List()
	out := make([]CampaignSummary, 0, len(ledgers))
	for _, led := range ledgers {
		out = append(out, s.summarize(led))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleGetCampaign returns the full view of one campaign.
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	led, ok := s.campaignParam(w, r)
	if !ok {
		return
	}
	camp := led.Campaign()

	detail := CampaignDetail{
		CampaignSummary: s.summarize(led),
		Creator:         camp.Creator,
		ChainID:         camp.ChainID,
		ContentID:       camp.ContentID,
		CollectedFees:   led.CollectedFees().Dec(),
		ForgoneTotal:    led.ForgoneTotal().Dec(),
	}
	if ts, ok := led.FirstClaimTime(); ok {
		detail.FirstClaimTime = ts
	}
	switch {
	case camp.Linear != nil:
		detail.Linear = &LinearView{Start: camp.Linear.Start, Cliff: camp.Linear.Cliff, End: camp.Linear.End}
	case camp.Tranched != nil:
		detail.Tranches = make([]TrancheView, len(camp.Tranched.Tranches))
		for i, tr := range camp.Tranched.Tranches {
			detail.Tranches[i] = TrancheView{UnlockTime: tr.UnlockTime, Percentage: tr.Percentage.Dec()}
		}
	case camp.VCA != nil:
		unlock := new(uint256.Int)
		if camp.VCA.UnlockPercentage != nil {
			unlock.Set(camp.VCA.UnlockPercentage)
		}
		detail.VCA = &VCAView{Start: camp.VCA.Start, End: camp.VCA.End, UnlockPercentage: unlock.Dec()}
	}
	s.writeJSON(w, http.StatusOK, detail)
}

// handleEligibility returns every leaf of the recipient in the campaign,
// each with its proof, claimed flag, and a vesting preview at server time.
func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	led, ok := s.campaignParam(w, r)
	if !ok {
		return
	}
	recipient, err := parseAddress(chi.URLParam(r, "recipient"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tree, ok := s.tree(led.Campaign().Address)
	if !ok {
		s.writeError(w, http.StatusNotFound, "campaign tree unavailable")
		return
	}

	leaves := tree.LeavesOf(recipient)
	if len(leaves) == 0 {
		s.writeError(w, http.StatusNotFound, "recipient has no entitlement in this campaign")
		return
	}

	now := uint64(s.clock.Now().Unix())
	resp := EligibilityResponse{
		Campaign:  led.Campaign().Address,
		Recipient: recipient,
		AsOf:      now,
		Leaves:    make([]EligibilityLeaf, 0, len(leaves)),
	}
	for _, leaf := range leaves {
		proof, err := tree.Proof(leaf.Index)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		claimable, forgone, err := vesting.Compute(led.Campaign(), leaf.Amount, now)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Leaves = append(resp.Leaves, EligibilityLeaf{
			Index:     leaf.Index,
			Amount:    leaf.Amount.Dec(),
			Proof:     proof,
			Claimed:   led.HasClaimed(leaf.Index),
			Claimable: claimable.Dec(),
			Forgone:   forgone.Dec(),
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleClaim executes a claim against the campaign's ledger. Requests
// carrying a signature take the delegated path.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	led, ok := s.campaignParam(w, r)
	if !ok {
		return
	}

	var body ClaimSubmission
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req, err := body.toRequest()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rcpt, err := led.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, claimStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, ClaimResponse{
		Index:     rcpt.Index,
		Recipient: rcpt.Recipient,
		To:        rcpt.To,
		Claimed:   rcpt.Claimed.Dec(),
		Forgone:   rcpt.Forgone.Dec(),
		FeePaid:   rcpt.FeePaid.Dec(),
		Time:      rcpt.Time,
	})
}

// summarize builds the listing view of one ledger.
func (s *Server) summarize(led *ledger.Ledger) CampaignSummary {
	camp := led.Campaign()
	aggregate := new(uint256.Int)
	if camp.AggregateAmount != nil {
		aggregate.Set(camp.AggregateAmount)
	}
	return CampaignSummary{
		Address:         camp.Address,
		Name:            camp.Name,
		Shape:           camp.Shape.String(),
		Token:           camp.Token,
		MerkleRoot:      camp.MerkleRoot,
		StartTime:       camp.StartTime,
		Expiration:      camp.Expiration,
		RecipientCount:  camp.RecipientCount,
		AggregateAmount: aggregate.Dec(),
		MinFeeUSD:       camp.MinFeeUSD,
		ClaimedCount:    led.ClaimedCount(),
	}
}

// campaignParam resolves the {campaign} URL parameter to a registered
// ledger, writing the error response on failure.
func (s *Server) campaignParam(w http.ResponseWriter, r *http.Request) (*ledger.Ledger, bool) {
	addr, err := parseAddress(chi.URLParam(r, "campaign"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	led, ok := s.registry.Get(addr)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown campaign")
		return nil, false
	}
	return led, true
}

// toRequest validates and converts the wire form into a ledger request.
func (b *ClaimSubmission) toRequest() (ledger.ClaimRequest, error) {
	var req ledger.ClaimRequest
	req.Index = b.Index
	req.ValidFrom = b.ValidFrom

	recipient, err := parseAddress(b.Recipient)
	if err != nil {
		return req, fmt.Errorf("recipient: %w", err)
	}
	req.Recipient = recipient

	if b.To != "" {
		to, err := parseAddress(b.To)
		if err != nil {
			return req, fmt.Errorf("to: %w", err)
		}
		req.To = to
	}

	amount, err := parseAmount(b.Amount)
	if err != nil {
		return req, fmt.Errorf("amount: %w", err)
	}
	req.Amount = amount

	req.Proof, err = parseProof(b.Proof)
	if err != nil {
		return req, err
	}

	if b.Value != "" {
		value, err := parseAmount(b.Value)
		if err != nil {
			return req, fmt.Errorf("value: %w", err)
		}
		req.Value = value
	}
	if b.Signature != "" {
		sig, err := hexutil.Decode(b.Signature)
		if err != nil {
			return req, fmt.Errorf("signature: %w", err)
		}
		req.Signature = sig
	}
	return req, nil
}

// claimStatus maps claim rejections onto HTTP status codes.
func claimStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrAlreadyClaimed):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrCampaignExpired):
		return http.StatusGone
	case errors.Is(err, ledger.ErrInsufficientFee):
		return http.StatusPaymentRequired
	case errors.Is(err, eip712.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, ledger.ErrInvalidProof),
		errors.Is(err, ledger.ErrNothingToClaim),
		errors.Is(err, ledger.ErrNilAmount):
		return http.StatusUnprocessableEntity
	case errors.Is(err, comptroller.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// parseAddress parses a 0x-prefixed 20-byte hex address.
func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// parseAmount parses a 256-bit unsigned integer from decimal or
// 0x-prefixed hex.
func parseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, errors.New("missing amount")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return uint256.FromHex(s)
	}
	return uint256.FromDecimal(s)
}

// parseProof parses the hex-encoded proof nodes.
func parseProof(in []string) ([]common.Hash, error) {
	proof := make([]common.Hash, len(in))
	for i, h := range in {
		b, err := hexutil.Decode(h)
		if err != nil {
			return nil, fmt.Errorf("proof[%d]: %w", i, err)
		}
		if len(b) != common.HashLength {
			return nil, fmt.Errorf("proof[%d]: %d bytes, want %d", i, len(b), common.HashLength)
		}
		proof[i] = common.BytesToHash(b)
	}
	return proof, nil
}

// writeJSON writes a JSON response with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("encoding response", "err", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
