package domain

import (
	"github.com/pendergraft/veriforge/internal/registry"
)

// ValidateRequest checks one submission against the registry snapshot and
// the prior existence of a contract row. It is side-effect free and safe
// to call repeatedly. The check order is fixed: license support, then
// language support, then existing registration; callers always see the
// first failing reason, never all of them.
//
// Existence is checked against any contract row for the address, whatever
// its status. A failed contract stays failed; resubmission is not allowed.
func ValidateRequest(snap *registry.Snapshot, req SubmitRequest, exists bool) (registry.Language, error) {
	if !snap.LicenseSupported(req.License) {
		return registry.Language{}, &LicenseUnsupportedError{Name: req.License}
	}
	lang, ok := snap.Language(req.Language)
	if !ok {
		return registry.Language{}, &LanguageUnsupportedError{Name: req.Language}
	}
	if exists {
		return registry.Language{}, &AlreadyRegisteredError{Address: req.Address}
	}
	return lang, nil
}
