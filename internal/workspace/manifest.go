package workspace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/mod/semver"
)

// Pin is one fully-pinned dependency: exact name, exact version.
// No ranges are allowed anywhere in a manifest.
type Pin struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Manifest is the ordered dependency manifest supplied with a verification
// request. Order is preserved from submission through the lockfile.
type Manifest []Pin

// Dependency names: scoped npm-style names are allowed, path traversal is not.
var dependencyNameRegex = regexp.MustCompile(`^(@[a-z0-9][a-z0-9._-]*/)?[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// DependencyConflictError reports two manifest entries pinning the same
// dependency to different versions.
type DependencyConflictError struct {
	Name     string
	VersionA string
	VersionB string
}

func (e *DependencyConflictError) Error() string {
	return fmt.Sprintf("dependency conflict: %s pinned to both %s and %s", e.Name, e.VersionA, e.VersionB)
}

// DependencyResolutionError reports a pinned version that could not be located.
type DependencyResolutionError struct {
	Name    string
	Version string
	Reason  string
}

func (e *DependencyResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve dependency %s@%s: %s", e.Name, e.Version, e.Reason)
}

// Validate checks that every entry is well-formed and fully pinned and that
// no dependency name appears twice.
func (m Manifest) Validate() error {
	seen := make(map[string]string, len(m))
	for _, p := range m {
		if p.Name == "" {
			return errors.New("dependency name cannot be empty")
		}
		if !dependencyNameRegex.MatchString(p.Name) || strings.Contains(p.Name, "..") {
			return fmt.Errorf("invalid dependency name %q", p.Name)
		}
		if p.Version == "" {
			return fmt.Errorf("dependency %s has no version pin", p.Name)
		}
		// Exact pin only: must be a canonical semver version, not a range.
		v := "v" + strings.TrimPrefix(p.Version, "v")
		if !semver.IsValid(v) || semver.Canonical(v) != v {
			return fmt.Errorf("dependency %s: version %q is not an exact semver pin", p.Name, p.Version)
		}
		if prev, ok := seen[p.Name]; ok {
			if prev != p.Version {
				return &DependencyConflictError{Name: p.Name, VersionA: prev, VersionB: p.Version}
			}
			return fmt.Errorf("duplicate dependency %s", p.Name)
		}
		seen[p.Name] = p.Version
	}
	return nil
}

// MarshalJSON encodes the manifest as an ordered array of pins.
func (m Manifest) MarshalJSON() ([]byte, error) {
	return json.Marshal([]Pin(m))
}

// ParseManifestObject parses a JSON object of name → version pairs into a
// Manifest, preserving the key order of the document. Submitters write
// manifests as objects; the order they wrote is the order we keep.
func ParseManifestObject(data []byte) (Manifest, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("parsing dependency manifest: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("dependency manifest must be a JSON object")
	}

	var m Manifest
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parsing dependency manifest: %w", err)
		}
		name := keyTok.(string)

		valTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parsing dependency manifest: %w", err)
		}
		version, ok := valTok.(string)
		if !ok {
			return nil, fmt.Errorf("dependency %s: version must be a string", name)
		}
		m = append(m, Pin{Name: name, Version: version})
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("parsing dependency manifest: %w", err)
	}
	return m, nil
}

// ParseManifestJSON decodes a stored manifest (ordered array form).
func ParseManifestJSON(data []byte) (Manifest, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var pins []Pin
	if err := json.Unmarshal(data, &pins); err != nil {
		return nil, fmt.Errorf("decoding stored manifest: %w", err)
	}
	return Manifest(pins), nil
}
