// Package domain contains the business logic for bytecode verification.
package domain

import (
	"fmt"

	"github.com/pendergraft/veriforge/internal/workspace"
)

// SubmitRequest is one verification submission.
type SubmitRequest struct {
	Address   string
	Submitter string
	License   string
	Language  string
	Manifest  workspace.Manifest
	Bundle    []workspace.SourceFile
}

// SubmitResult is returned when a submission is accepted.
type SubmitResult struct {
	Address string `json:"address"`
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
}

// ContractStatus is the queryable view of a contract record.
type ContractStatus struct {
	Address      string             `json:"address"`
	Status       string             `json:"status"`
	License      string             `json:"license,omitempty"`
	Language     string             `json:"language,omitempty"`
	BytecodeCID  string             `json:"bytecodeCid,omitempty"`
	ComputedCID  string             `json:"computedCid,omitempty"`
	Submitter    string             `json:"submitter,omitempty"`
	Dependencies workspace.Manifest `json:"dependencies,omitempty"`
	Diagnostics  string             `json:"diagnostics,omitempty"`
	CreatedAt    string             `json:"createdAt,omitempty"`
	VerifiedAt   string             `json:"verifiedAt,omitempty"`
}

// StatusNotFound is reported for addresses with no contract record.
const StatusNotFound = "not_found"

// LicenseUnsupportedError rejects a submission naming an unregistered license.
type LicenseUnsupportedError struct {
	Name string
}

func (e *LicenseUnsupportedError) Error() string {
	return fmt.Sprintf("license %q is not supported", e.Name)
}

// LanguageUnsupportedError rejects a submission naming an unregistered language.
type LanguageUnsupportedError struct {
	Name string
}

func (e *LanguageUnsupportedError) Error() string {
	return fmt.Sprintf("language %q is not supported", e.Name)
}

// AlreadyRegisteredError rejects a submission for an address that already
// has a contract record, whatever its status.
type AlreadyRegisteredError struct {
	Address string
}

func (e *AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("contract %s is already registered", e.Address)
}
