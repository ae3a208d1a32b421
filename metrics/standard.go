package metrics

// Pre-defined metrics for the merkledrop claim service. All metrics live in
// DefaultRegistry so they are globally accessible without passing a registry
// around.

var (
	// ---- Ledger metrics ----

	// ClaimsSettled counts claims that passed validation and transferred
	// tokens to a recipient.
	ClaimsSettled = DefaultRegistry.Counter("ledger.claims_settled")
	// ClaimsRejected counts claims rejected for any reason (bad proof,
	// duplicate index, expired campaign, insufficient fee).
	ClaimsRejected = DefaultRegistry.Counter("ledger.claims_rejected")
	// ClaimTime records end-to-end claim settlement duration in milliseconds.
	ClaimTime = DefaultRegistry.Histogram("ledger.claim_ms")
	// ClaimRate tracks the rate of settled claims per second.
	ClaimRate = DefaultRegistry.Meter("ledger.claim_rate")
	// ClawbacksExecuted counts clawbacks that returned unclaimed tokens to a
	// campaign creator.
	ClawbacksExecuted = DefaultRegistry.Counter("ledger.clawbacks")

	// ---- Campaign metrics ----

	// CampaignsRegistered tracks the number of campaigns currently known to
	// the registry.
	CampaignsRegistered = DefaultRegistry.Gauge("campaign.registered")
	// CampaignsExpired counts campaigns observed past their expiration.
	CampaignsExpired = DefaultRegistry.Counter("campaign.expired")

	// ---- Signature metrics ----

	// SignatureChecks counts claim signature verifications attempted.
	SignatureChecks = DefaultRegistry.Counter("sig.checks")
	// SignatureFailures counts claim signature verifications that failed.
	SignatureFailures = DefaultRegistry.Counter("sig.failures")

	// ---- Oracle metrics ----

	// OracleQueries counts native token price lookups.
	OracleQueries = DefaultRegistry.Counter("oracle.queries")
	// OracleErrors counts price lookups that returned an error.
	OracleErrors = DefaultRegistry.Counter("oracle.errors")

	// ---- API metrics ----

	// APIRequests counts incoming HTTP API requests.
	APIRequests = DefaultRegistry.Counter("api.requests")
	// APIErrors counts HTTP API requests that returned a 5xx status.
	APIErrors = DefaultRegistry.Counter("api.errors")
	// APILatency records HTTP API request latency in milliseconds.
	APILatency = DefaultRegistry.Histogram("api.latency_ms")
	// APIRateLimited counts requests rejected by the per-client rate limiter.
	APIRateLimited = DefaultRegistry.Counter("api.rate_limited")
)
