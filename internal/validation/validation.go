// Package validation provides input validation for veriforge.
package validation

import (
	"errors"
	"regexp"
	"strings"
)

// Contract addresses: alphanumeric account identifiers, 4-90 chars.
// Covers bech32-style chain addresses and 0x-prefixed hex addresses.
var addressRegex = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

// ValidateAddress validates a contract address.
func ValidateAddress(address string) error {
	if len(address) < 4 {
		return errors.New("address too short (min 4 chars)")
	}
	if len(address) > 90 {
		return errors.New("address too long (max 90 chars)")
	}
	candidate := strings.TrimPrefix(address, "0x")
	if !addressRegex.MatchString(candidate) {
		return errors.New("invalid address: must be alphanumeric")
	}
	return nil
}

// ValidateSubmitter validates a submitter identity.
func ValidateSubmitter(submitter string) error {
	if submitter == "" {
		return errors.New("submitter cannot be empty")
	}
	if len(submitter) > 128 {
		return errors.New("submitter too long (max 128 chars)")
	}
	return nil
}
