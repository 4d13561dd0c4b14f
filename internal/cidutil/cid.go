// Package cidutil computes content identifiers for compiled bytecode.
//
// The scheme must match the one used when contract code is registered
// on-chain: CIDv1, raw codec, SHA2-256 multihash, base32 multibase. Any
// divergence here makes every verification fail regardless of source
// correctness, so the scheme is fixed and not configurable.
package cidutil

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Compute returns the CID string for the given bytecode bytes.
// It is a pure function: identical input always yields an identical CID.
func Compute(data []byte) (string, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("hashing bytecode: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh).String(), nil
}

// Validate checks that s parses as a CID under the registration scheme.
func Validate(s string) error {
	c, err := cid.Decode(s)
	if err != nil {
		return fmt.Errorf("invalid CID: %w", err)
	}
	if c.Version() != 1 {
		return fmt.Errorf("invalid CID: expected CIDv1, got v%d", c.Version())
	}
	if c.Type() != cid.Raw {
		return fmt.Errorf("invalid CID: expected raw codec, got %#x", c.Type())
	}
	return nil
}
