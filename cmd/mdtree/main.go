// Command mdtree builds the Merkle tree for a recipient list and emits
// the root together with a proof for every leaf.
//
// Usage:
//
//	mdtree -in recipients.json [-out proofs.json]
//
// The input is either a JSON array of {"address", "amount"} objects or a
// document with a "recipients" array, so a campaign definition works
// unchanged. Amounts are decimal strings (0x hex accepted). Output goes
// to stdout unless -out names a file; pass -in - to read stdin.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/merkledrop/merkledrop/merkle"
)

// Build-time version info, overridable with ldflags.
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// Recipient is one input entitlement.
type Recipient struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

// ProofLeaf is one output leaf with its Merkle proof.
type ProofLeaf struct {
	Index     uint64         `json:"index"`
	Recipient common.Address `json:"recipient"`
	Amount    string         `json:"amount"`
	Proof     []common.Hash  `json:"proof"`
}

// TreeDocument is the output: the root commitment plus every leaf's
// proof, ready to publish alongside the campaign.
type TreeDocument struct {
	Root            common.Hash `json:"root"`
	LeafCount       int         `json:"leafCount"`
	AggregateAmount string      `json:"aggregateAmount"`
	Leaves          []ProofLeaf `json:"leaves"`
}

// run is the actual entry point, returning an exit code.
func run(args []string) int {
	fs := flag.NewFlagSet("mdtree", flag.ContinueOnError)
	in := fs.String("in", "", "recipients file, - for stdin")
	out := fs.String("out", "", "output file, stdout when empty")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Printf("mdtree %s (commit %s)\n", version, commit)
		return 0
	}
	if *in == "" {
		fmt.Fprintln(os.Stderr, "mdtree: -in is required")
		fs.Usage()
		return 2
	}

	doc, err := buildDocument(*in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mdtree: %v\n", err)
		return 1
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "mdtree: encode output: %v\n", err)
		return 1
	}
	data = append(data, '\n')

	if *out == "" {
		os.Stdout.Write(data)
		return 0
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "mdtree: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "mdtree: wrote %d leaves under root %s to %s\n", doc.LeafCount, doc.Root, *out)
	return 0
}

// buildDocument reads the recipient list at path and produces the proof
// document.
func buildDocument(path string) (*TreeDocument, error) {
	data, err := readInput(path)
	if err != nil {
		return nil, err
	}
	recipients, err := decodeRecipients(data)
	if err != nil {
		return nil, err
	}

	entries := make([]merkle.Entry, len(recipients))
	for i, r := range recipients {
		if !common.IsHexAddress(r.Address) {
			return nil, fmt.Errorf("recipient %d: bad address %q", i, r.Address)
		}
		amount, err := parseAmount(r.Amount)
		if err != nil {
			return nil, fmt.Errorf("recipient %d: %v", i, err)
		}
		entries[i] = merkle.Entry{Recipient: common.HexToAddress(r.Address), Amount: amount}
	}

	tree, err := merkle.NewTree(entries)
	if err != nil {
		return nil, err
	}

	doc := &TreeDocument{
		Root:            tree.Root(),
		LeafCount:       tree.Len(),
		AggregateAmount: tree.TotalAmount().Dec(),
		Leaves:          make([]ProofLeaf, 0, tree.Len()),
	}
	for _, leaf := range tree.Leaves() {
		proof, err := tree.Proof(leaf.Index)
		if err != nil {
			return nil, err
		}
		doc.Leaves = append(doc.Leaves, ProofLeaf{
			Index:     leaf.Index,
			Recipient: leaf.Recipient,
			Amount:    leaf.Amount.Dec(),
			Proof:     proof,
		})
	}
	return doc, nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// decodeRecipients accepts both the bare array form and a wrapping
// document with a "recipients" field.
func decodeRecipients(data []byte) ([]Recipient, error) {
	var list []Recipient
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Recipients []Recipient `json:"recipients"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("parse recipients: %w", err)
	}
	return wrapped.Recipients, nil
}

func parseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, errors.New("empty amount")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return uint256.FromHex(s)
	}
	return uint256.FromDecimal(s)
}
