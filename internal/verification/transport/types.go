// Package transport provides HTTP handlers for the verification domain.
package transport

import "encoding/json"

// VerifyRequest is the wire form of a verification submission. The
// dependency manifest is a JSON object of name → exact version; its key
// order is preserved end to end. File contents travel base64-encoded.
type VerifyRequest struct {
	Submitter    string          `json:"submitter"`
	License      string          `json:"license"`
	Language     string          `json:"language"`
	Dependencies json.RawMessage `json:"dependencies,omitempty"`
	Files        []FileUpload    `json:"files"`
}

// FileUpload is one source file in the submission bundle.
type FileUpload struct {
	Name    string `json:"name"`
	Content []byte `json:"content"`
}

// RegistryResponse lists the registered reference data names.
type RegistryResponse struct {
	Data []string `json:"data"`
}
