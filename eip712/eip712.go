// eip712.go implements typed-data authentication for delegated claims.
// A recipient signs a Claim struct binding the leaf (index, recipient,
// amount), the payout address, and an activation time to a
// campaign-specific EIP-712 domain. The verifier accepts both
// externally-owned signers, via ECDSA recovery, and contract signers,
// via the ERC-1271 isValidSignature callback.
package eip712

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"

	"github.com/merkledrop/merkledrop/campaign"
)

// Default EIP-712 domain identity. The chain id and verifying contract
// come from the campaign.
const (
	DefaultDomainName    = "MerkleDrop"
	DefaultDomainVersion = "1"
)

// SignatureLength is the expected [R || S || V] encoding length.
const SignatureLength = 65

var (
	ErrInvalidSignature = errors.New("eip712: invalid signature")

	ErrNotYetValid   = fmt.Errorf("%w: valid-from in the future", ErrInvalidSignature)
	ErrNoChainCaller = errors.New("eip712: contract signer requires a chain caller")
)

// erc1271Magic is the success value a contract signer must return. It
// equals the isValidSignature(bytes32,bytes) selector.
var erc1271Magic = [4]byte{0x16, 0x26, 0xba, 0x7e}

var erc1271ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(`[{"type":"function","name":"isValidSignature","stateMutability":"view","inputs":[{"name":"hash","type":"bytes32"},{"name":"signature","type":"bytes"}],"outputs":[{"name":"magicValue","type":"bytes4"}]}]`))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// claimType is the EIP-712 struct signed by a recipient to authorize a
// claim on their behalf.
var claimType = []apitypes.Type{
	{Name: "index", Type: "uint256"},
	{Name: "recipient", Type: "address"},
	{Name: "to", Type: "address"},
	{Name: "amount", Type: "uint256"},
	{Name: "validFrom", Type: "uint40"},
}

// ChainCaller is the read-only chain access the verifier needs to
// support contract signers: a code lookup to classify the signer and a
// static call for the ERC-1271 callback. *ethclient.Client satisfies it.
type ChainCaller interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ClaimMessage is the payload bound into the claim digest. Replay
// across different tuples is prevented by signing every field; replay
// of the same tuple is stopped by the ledger's one-claim-per-index
// rule, not here.
type ClaimMessage struct {
	Index     uint64
	Recipient common.Address
	To        common.Address
	Amount    *uint256.Int
	ValidFrom uint64
}

// Config configures a Verifier.
type Config struct {
	// DomainName and DomainVersion identify the signing domain.
	DomainName    string
	DomainVersion string
}

// DefaultConfig returns the verifier defaults.
func DefaultConfig() Config {
	return Config{
		DomainName:    DefaultDomainName,
		DomainVersion: DefaultDomainVersion,
	}
}

// Verifier checks claim signatures against a campaign's signing domain.
type Verifier struct {
	config Config
	caller ChainCaller
}

// NewVerifier creates a Verifier. caller may be nil, in which case every
// signer is treated as an externally-owned account and contract signers
// are rejected.
func NewVerifier(config Config, caller ChainCaller) *Verifier {
	if config.DomainName == "" {
		config.DomainName = DefaultDomainName
	}
	if config.DomainVersion == "" {
		config.DomainVersion = DefaultDomainVersion
	}
	return &Verifier{config: config, caller: caller}
}

// ClaimDigest returns the EIP-712 digest a signer commits to for the
// given campaign and claim payload.
func (v *Verifier) ClaimDigest(c *campaign.Campaign, m ClaimMessage) (common.Hash, error) {
	amount := new(big.Int)
	if m.Amount != nil {
		amount = m.Amount.ToBig()
	}
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Claim": claimType,
		},
		PrimaryType: "Claim",
		Domain: apitypes.TypedDataDomain{
			Name:              v.config.DomainName,
			Version:           v.config.DomainVersion,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).SetUint64(c.ChainID)),
			VerifyingContract: c.Address.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"index":     (*math.HexOrDecimal256)(new(big.Int).SetUint64(m.Index)),
			"recipient": m.Recipient.Hex(),
			"to":        m.To.Hex(),
			"amount":    (*math.HexOrDecimal256)(amount),
			"validFrom": (*math.HexOrDecimal256)(new(big.Int).SetUint64(m.ValidFrom)),
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return common.Hash{}, fmt.Errorf("eip712: hashing claim: %w", err)
	}
	return common.BytesToHash(digest), nil
}

// VerifyClaim checks that sig authorizes the claim described by m on
// behalf of signer at time now. Contract signers are detected by a
// nonempty code lookup and validated through ERC-1271; all other
// signers must have produced a recoverable ECDSA signature over the
// claim digest.
func (v *Verifier) VerifyClaim(ctx context.Context, c *campaign.Campaign, signer common.Address, m ClaimMessage, sig []byte, now uint64) error {
	if m.ValidFrom > now {
		return fmt.Errorf("%w: valid from %d, now %d", ErrNotYetValid, m.ValidFrom, now)
	}
	digest, err := v.ClaimDigest(c, m)
	if err != nil {
		return err
	}

	if v.caller != nil {
		code, err := v.caller.CodeAt(ctx, signer, nil)
		if err != nil {
			return fmt.Errorf("eip712: code lookup for %s: %w", signer, err)
		}
		if len(code) > 0 {
			return v.verifyContract(ctx, signer, digest, sig)
		}
	}
	return verifyEOA(signer, digest, sig)
}

// verifyEOA recovers the signer address from a 65-byte [R || S || V]
// signature and compares it to the expected signer. Both the 0/1 and
// the legacy 27/28 V encodings are accepted; high-S signatures are
// rejected to keep signatures non-malleable.
func verifyEOA(signer common.Address, digest common.Hash, sig []byte) error {
	if len(sig) != SignatureLength {
		return fmt.Errorf("%w: length %d, want %d", ErrInvalidSignature, len(sig), SignatureLength)
	}
	recID := sig[64]
	if recID == 27 || recID == 28 {
		recID -= 27
	}
	if recID > 1 {
		return fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, sig[64])
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(recID, r, s, true) {
		return fmt.Errorf("%w: non-canonical signature values", ErrInvalidSignature)
	}

	normalized := make([]byte, SignatureLength)
	copy(normalized, sig[:64])
	normalized[64] = recID
	pub, err := crypto.SigToPub(digest[:], normalized)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if recovered := crypto.PubkeyToAddress(*pub); recovered != signer {
		return fmt.Errorf("%w: recovered %s, want %s", ErrInvalidSignature, recovered, signer)
	}
	return nil
}

// verifyContract asks the signer contract whether it accepts the
// digest/signature pair, per ERC-1271. Only the exact magic return
// value counts as success.
func (v *Verifier) verifyContract(ctx context.Context, signer common.Address, digest common.Hash, sig []byte) error {
	if v.caller == nil {
		return ErrNoChainCaller
	}
	input, err := erc1271ABI.Pack("isValidSignature", digest, sig)
	if err != nil {
		return fmt.Errorf("eip712: encoding isValidSignature: %w", err)
	}
	result, err := v.caller.CallContract(ctx, ethereum.CallMsg{To: &signer, Data: input}, nil)
	if err != nil {
		return fmt.Errorf("%w: isValidSignature call: %v", ErrInvalidSignature, err)
	}
	out, err := erc1271ABI.Unpack("isValidSignature", result)
	if err != nil {
		return fmt.Errorf("%w: malformed isValidSignature return", ErrInvalidSignature)
	}
	magic, ok := out[0].([4]byte)
	if !ok || !bytes.Equal(magic[:], erc1271Magic[:]) {
		return fmt.Errorf("%w: signer contract rejected digest", ErrInvalidSignature)
	}
	return nil
}
