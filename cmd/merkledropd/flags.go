// flags.go extends the standard flag package with the uint64 flags the
// daemon uses for chain ids.
package main

import (
	"flag"
	"fmt"
	"strconv"
)

// flagSet wraps flag.FlagSet with uint64 flag support.
type flagSet struct {
	*flag.FlagSet
}

// newCustomFlagSet creates a flagSet with ContinueOnError behavior.
func newCustomFlagSet(name string) *flagSet {
	return &flagSet{FlagSet: flag.NewFlagSet(name, flag.ContinueOnError)}
}

// Uint64Var defines a uint64 flag bound to p. The standard flag package
// has no uint64 variant.
func (fs *flagSet) Uint64Var(p *uint64, name string, value uint64, usage string) {
	*p = value
	fs.Var((*uint64Value)(p), name, usage)
}

// uint64Value adapts a *uint64 to flag.Value.
type uint64Value uint64

func (v *uint64Value) String() string {
	if v == nil {
		return "0"
	}
	return strconv.FormatUint(uint64(*v), 10)
}

func (v *uint64Value) Set(s string) error {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid uint64 value %q", s)
	}
	*v = uint64Value(n)
	return nil
}
