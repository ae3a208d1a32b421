package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"

	"github.com/merkledrop/merkledrop/campaign"
	"github.com/merkledrop/merkledrop/comptroller"
	"github.com/merkledrop/merkledrop/ledger"
	"github.com/merkledrop/merkledrop/log"
	"github.com/merkledrop/merkledrop/merkle"
	"github.com/merkledrop/merkledrop/metrics"
	"github.com/merkledrop/merkledrop/token"
)

const day = 24 * 60 * 60

const t0 uint64 = 1_700_000_000

var (
	campaignAddr = common.HexToAddress("0x00000000000000000000000000000000000000ca")
	creatorAddr  = common.HexToAddress("0x00000000000000000000000000000000000000ce")
	tokenAddr    = common.HexToAddress("0x0000000000000000000000000000000000000070")
	alice        = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob          = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	dave         = common.HexToAddress("0x00000000000000000000000000000000000000d1")
)

type testServer struct {
	srv    *Server
	ledger *ledger.Ledger
	tree   *merkle.Tree
	clock  *clockwork.FakeClock
	mreg   *metrics.Registry
}

// newTestServer builds a server with one registered instant campaign over
// three leaves (alice 1000, bob 500, alice 250), an isolated metrics
// registry, and a fake clock shared by the ledger and the server.
func newTestServer(t *testing.T, mutate func(c *campaign.Campaign)) *testServer {
	t.Helper()

	tree, err := merkle.NewTree([]merkle.Entry{
		{Recipient: alice, Amount: uint256.NewInt(1000)},
		{Recipient: bob, Amount: uint256.NewInt(500)},
		{Recipient: alice, Amount: uint256.NewInt(250)},
	})
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	camp := &campaign.Campaign{
		Address:         campaignAddr,
		Creator:         creatorAddr,
		Token:           tokenAddr,
		MerkleRoot:      tree.Root(),
		ChainID:         1,
		Name:            "api test drop",
		StartTime:       t0,
		AggregateAmount: tree.TotalAmount(),
		RecipientCount:  uint64(tree.Len()),
		Shape:           campaign.ShapeInstant,
	}
	if mutate != nil {
		mutate(camp)
	}

	clock := clockwork.NewFakeClockAt(time.Unix(int64(t0), 0).UTC())
	tokens := token.NewMemoryBackend()
	tokens.Mint(camp.Token, camp.Address, tree.TotalAmount())
	mreg := metrics.NewRegistry()
	quiet := log.New(slog.LevelError)

	led, err := ledger.New(ledger.Config{
		Campaign:    camp,
		Comptroller: comptroller.New(comptroller.NewStaticOracle(uint256.NewInt(4000_00000000), 8)),
		Tokens:      tokens,
		Clock:       clock,
		Logger:      quiet,
		Metrics:     ledger.NewClaimMetrics(mreg),
	})
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}

	srv := NewServer(Config{
		Logger:  quiet,
		Metrics: mreg,
		Clock:   clock,
	})
	if err := srv.AddCampaign(led, tree); err != nil {
		t.Fatalf("AddCampaign: %v", err)
	}
	return &testServer{srv: srv, ledger: led, tree: tree, clock: clock, mreg: mreg}
}

func (ts *testServer) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

// claimBody builds a valid submission for the leaf at index.
func (ts *testServer) claimBody(t *testing.T, index uint64, value string) ClaimSubmission {
	t.Helper()
	leaf, err := ts.tree.Leaf(index)
	if err != nil {
		t.Fatalf("Leaf(%d): %v", index, err)
	}
	proof, err := ts.tree.Proof(index)
	if err != nil {
		t.Fatalf("Proof(%d): %v", index, err)
	}
	hexProof := make([]string, len(proof))
	for i, h := range proof {
		hexProof[i] = h.Hex()
	}
	return ClaimSubmission{
		Index:     index,
		Recipient: leaf.Recipient.Hex(),
		Amount:    leaf.Amount.Dec(),
		Proof:     hexProof,
		Value:     value,
	}
}

func claimsPath() string {
	return "/v1/campaigns/" + campaignAddr.Hex() + "/claims"
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.get(t, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Status    string `json:"status"`
		Campaigns int    `json:"campaigns"`
	}
	decodeBody(t, rec, &body)
	if body.Status != "ok" || body.Campaigns != 1 {
		t.Fatalf("body = %+v, want ok/1", body)
	}
}

func TestListCampaigns(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.get(t, "/v1/campaigns")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var list []CampaignSummary
	decodeBody(t, rec, &list)
	if len(list) != 1 {
		t.Fatalf("len = %d, want 1", len(list))
	}
	got := list[0]
	if got.Address != campaignAddr || got.Name != "api test drop" || got.Shape != "instant" {
		t.Fatalf("summary = %+v", got)
	}
	if got.AggregateAmount != "1750" || got.RecipientCount != 3 || got.ClaimedCount != 0 {
		t.Fatalf("summary accounting = %+v", got)
	}
}

func TestGetCampaign(t *testing.T) {
	ts := newTestServer(t, func(c *campaign.Campaign) {
		c.Shape = campaign.ShapeLinear
		c.Linear = &campaign.LinearSchedule{Start: t0, End: t0 + 100*day}
	})

	rec := ts.get(t, "/v1/campaigns/"+campaignAddr.Hex())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var detail CampaignDetail
	decodeBody(t, rec, &detail)
	if detail.Shape != "linear" || detail.Creator != creatorAddr || detail.ChainID != 1 {
		t.Fatalf("detail = %+v", detail)
	}
	if detail.Linear == nil || detail.Linear.End != t0+100*day {
		t.Fatalf("linear schedule = %+v", detail.Linear)
	}
	if detail.Tranches != nil || detail.VCA != nil {
		t.Fatal("detail carries schedules for other shapes")
	}
	if detail.CollectedFees != "0" || detail.ForgoneTotal != "0" || detail.FirstClaimTime != 0 {
		t.Fatalf("detail accounting = %+v", detail)
	}

	if rec := ts.get(t, "/v1/campaigns/not-an-address"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad address status = %d, want 400", rec.Code)
	}
	unknown := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	if rec := ts.get(t, "/v1/campaigns/"+unknown.Hex()); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown campaign status = %d, want 404", rec.Code)
	}
}

func TestEligibility(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.get(t, "/v1/campaigns/"+campaignAddr.Hex()+"/eligibility/"+alice.Hex())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp EligibilityResponse
	decodeBody(t, rec, &resp)
	if resp.Recipient != alice || resp.AsOf != t0 {
		t.Fatalf("resp header = %+v", resp)
	}
	if len(resp.Leaves) != 2 {
		t.Fatalf("leaves = %d, want 2", len(resp.Leaves))
	}
	if resp.Leaves[0].Index != 0 || resp.Leaves[0].Amount != "1000" || resp.Leaves[1].Index != 2 || resp.Leaves[1].Amount != "250" {
		t.Fatalf("leaves = %+v", resp.Leaves)
	}
	for _, leaf := range resp.Leaves {
		if leaf.Claimed {
			t.Fatalf("leaf %d claimed before any claim", leaf.Index)
		}
		if leaf.Claimable != leaf.Amount || leaf.Forgone != "0" {
			t.Fatalf("instant preview = %+v", leaf)
		}
		// The returned proof must verify against the campaign root.
		amount, err := uint256.FromDecimal(leaf.Amount)
		if err != nil {
			t.Fatalf("parse amount: %v", err)
		}
		hash := merkle.LeafHash(leaf.Index, alice, amount)
		if !merkle.VerifyProof(ts.tree.Root(), hash, leaf.Proof) {
			t.Fatalf("proof for leaf %d does not verify", leaf.Index)
		}
	}

	// Settle leaf 0 and watch the claimed flag flip.
	if rec := ts.post(t, claimsPath(), ts.claimBody(t, 0, "")); rec.Code != http.StatusOK {
		t.Fatalf("claim status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = ts.get(t, "/v1/campaigns/"+campaignAddr.Hex()+"/eligibility/"+alice.Hex())
	decodeBody(t, rec, &resp)
	if !resp.Leaves[0].Claimed || resp.Leaves[1].Claimed {
		t.Fatalf("claimed flags = %+v", resp.Leaves)
	}

	if rec := ts.get(t, "/v1/campaigns/"+campaignAddr.Hex()+"/eligibility/"+dave.Hex()); rec.Code != http.StatusNotFound {
		t.Fatalf("ineligible recipient status = %d, want 404", rec.Code)
	}
}

// TestEligibilityVestingPreview checks that the claimable preview follows
// the server clock on a linear campaign.
func TestEligibilityVestingPreview(t *testing.T) {
	ts := newTestServer(t, func(c *campaign.Campaign) {
		c.Shape = campaign.ShapeLinear
		c.Linear = &campaign.LinearSchedule{Start: t0, End: t0 + 100*day}
	})
	path := "/v1/campaigns/" + campaignAddr.Hex() + "/eligibility/" + bob.Hex()

	var resp EligibilityResponse
	decodeBody(t, ts.get(t, path), &resp)
	if resp.Leaves[0].Claimable != "0" {
		t.Fatalf("claimable at start = %s, want 0", resp.Leaves[0].Claimable)
	}

	ts.clock.Advance(time.Duration(50*day) * time.Second)
	decodeBody(t, ts.get(t, path), &resp)
	if resp.Leaves[0].Claimable != "250" {
		t.Fatalf("claimable at halfway = %s, want 250", resp.Leaves[0].Claimable)
	}
	if resp.AsOf != t0+50*day {
		t.Fatalf("asOf = %d, want %d", resp.AsOf, t0+50*day)
	}
}

func TestSubmitClaim(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.post(t, claimsPath(), ts.claimBody(t, 0, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp ClaimResponse
	decodeBody(t, rec, &resp)
	if resp.Index != 0 || resp.Recipient != alice || resp.To != alice {
		t.Fatalf("resp routing = %+v", resp)
	}
	if resp.Claimed != "1000" || resp.FeePaid != "0" || resp.Time != t0 {
		t.Fatalf("resp accounting = %+v", resp)
	}
	if !ts.ledger.HasClaimed(0) {
		t.Fatal("ledger did not record the claim")
	}

	// Replaying the same index conflicts.
	if rec := ts.post(t, claimsPath(), ts.claimBody(t, 0, "")); rec.Code != http.StatusConflict {
		t.Fatalf("replay status = %d, want 409", rec.Code)
	}

	// A tampered proof is rejected without burning the index.
	bad := ts.claimBody(t, 1, "")
	bad.Amount = "501"
	if rec := ts.post(t, claimsPath(), bad); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("tampered status = %d, want 422", rec.Code)
	}
	if ts.ledger.HasClaimed(1) {
		t.Fatal("index 1 burned by rejected claim")
	}

	// Malformed inputs.
	req := httptest.NewRequest(http.MethodPost, claimsPath(), strings.NewReader("{not json"))
	rec = httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid JSON status = %d, want 400", rec.Code)
	}
	badAddr := ts.claimBody(t, 1, "")
	badAddr.Recipient = "0x123"
	if rec := ts.post(t, claimsPath(), badAddr); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad recipient status = %d, want 400", rec.Code)
	}
}

// TestSubmitClaimFee exercises the payment-required path and a paid claim
// with a $1 fee at a $4000 oracle price.
func TestSubmitClaimFee(t *testing.T) {
	ts := newTestServer(t, func(c *campaign.Campaign) {
		c.MinFeeUSD = 1_000_000
	})

	if rec := ts.post(t, claimsPath(), ts.claimBody(t, 0, "")); rec.Code != http.StatusPaymentRequired {
		t.Fatalf("unpaid status = %d, want 402", rec.Code)
	}

	rec := ts.post(t, claimsPath(), ts.claimBody(t, 0, "250000000000000"))
	if rec.Code != http.StatusOK {
		t.Fatalf("paid status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp ClaimResponse
	decodeBody(t, rec, &resp)
	if resp.FeePaid != "250000000000000" {
		t.Fatalf("feePaid = %s, want 250000000000000", resp.FeePaid)
	}
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, nil)
	limited := NewServer(Config{
		Logger:    log.New(slog.LevelError),
		Metrics:   ts.mreg,
		RateLimit: 1,
		RateBurst: 1,
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/campaigns", nil)
	rec := httptest.NewRecorder()
	limited.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	limited.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("429 without Retry-After")
	}

	// Operational endpoints bypass the limiter.
	health := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	limited.Router().ServeHTTP(rec, health)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}
}

func TestClientLimiter(t *testing.T) {
	cl := NewClientLimiter(1, 2)

	for i := 0; i < 2; i++ {
		if ok, _ := cl.Allow("10.0.0.1"); !ok {
			t.Fatalf("request %d within burst denied", i)
		}
	}
	ok, retry := cl.Allow("10.0.0.1")
	if ok {
		t.Fatal("request beyond burst allowed")
	}
	if retry <= 0 {
		t.Fatalf("retryAfter = %v, want > 0", retry)
	}

	// A different client has its own bucket.
	if ok, _ := cl.Allow("10.0.0.2"); !ok {
		t.Fatal("fresh client denied")
	}
	if got := cl.Size(); got != 2 {
		t.Fatalf("Size = %d, want 2", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	if rec := ts.post(t, claimsPath(), ts.claimBody(t, 1, "")); rec.Code != http.StatusOK {
		t.Fatalf("claim status = %d", rec.Code)
	}

	rec := ts.get(t, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "merkledrop_ledger_claims_settled 1") {
		t.Fatalf("exposition missing settled counter:\n%s", body)
	}
}

func TestAddCampaignValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	otherTree, err := merkle.NewTree([]merkle.Entry{
		{Recipient: dave, Amount: uint256.NewInt(7)},
	})
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	if err := ts.srv.AddCampaign(ts.ledger, otherTree); !errors.Is(err, ErrRootMismatch) {
		t.Fatalf("mismatched tree err = %v, want ErrRootMismatch", err)
	}
	if err := ts.srv.AddCampaign(ts.ledger, ts.tree); !errors.Is(err, ledger.ErrDuplicateCampaign) {
		t.Fatalf("duplicate err = %v, want ErrDuplicateCampaign", err)
	}
}
