// Package registry holds the immutable reference data for verification:
// the supported licenses and the supported languages with their pinned
// toolchains. A Snapshot is read-only for the lifetime of a job; changing
// a toolchain pin is a deliberate registry edit, never a runtime upgrade.
package registry

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Canonicalizer identifiers understood by the compiler driver.
const (
	CanonWasmStrip = "wasm-strip"
	CanonEVMStrip  = "evm-strip"
	CanonNone      = "none"
)

// License is a supported source license.
type License struct {
	Name string `toml:"name"`
}

// Language describes a supported source language and its pinned toolchain.
type Language struct {
	Name          string   `toml:"name"`
	Image         string   `toml:"image"`         // container image incl. pinned tag
	BuildArgs     []string `toml:"build_args"`    // full compiler invocation inside the sandbox
	Artifact      string   `toml:"artifact"`      // path of the produced bytecode, relative to the output mount
	Canonicalizer string   `toml:"canonicalizer"` // one of the Canon* constants
}

// Snapshot is a read-only view of the reference data.
type Snapshot struct {
	Licenses  []License  `toml:"licenses"`
	Languages []Language `toml:"languages"`
}

// LicenseSupported reports whether name is a registered license.
func (s *Snapshot) LicenseSupported(name string) bool {
	for _, l := range s.Licenses {
		if l.Name == name {
			return true
		}
	}
	return false
}

// Language returns the registered language entry for name.
func (s *Snapshot) Language(name string) (Language, bool) {
	for _, l := range s.Languages {
		if l.Name == name {
			return l, true
		}
	}
	return Language{}, false
}

// LicenseNames returns the registered license names in registry order.
func (s *Snapshot) LicenseNames() []string {
	names := make([]string, len(s.Licenses))
	for i, l := range s.Licenses {
		names[i] = l.Name
	}
	return names
}

// LanguageNames returns the registered language names in registry order.
func (s *Snapshot) LanguageNames() []string {
	names := make([]string, len(s.Languages))
	for i, l := range s.Languages {
		names[i] = l.Name
	}
	return names
}

// Load reads a registry snapshot from a TOML file. An empty path returns
// the built-in defaults.
func Load(path string) (*Snapshot, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading registry file: %w", err)
	}
	var snap Snapshot
	if err := toml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing registry file: %w", err)
	}
	if len(snap.Licenses) == 0 || len(snap.Languages) == 0 {
		return nil, fmt.Errorf("registry file %s must declare at least one license and one language", path)
	}
	return &snap, nil
}

// Default returns the built-in reference data.
func Default() *Snapshot {
	return &Snapshot{
		Licenses: []License{
			{Name: "MIT"},
			{Name: "Apache-2.0"},
			{Name: "GPL-3.0-only"},
			{Name: "GPL-3.0-or-later"},
			{Name: "LGPL-3.0-only"},
			{Name: "LGPL-3.0-or-later"},
			{Name: "AGPL-3.0-only"},
			{Name: "AGPL-3.0-or-later"},
			{Name: "MPL 2.0"},
			{Name: "BSL-1.0"},
			{Name: "WTFPL"},
			{Name: "Unlicense"},
		},
		Languages: []Language{
			{
				Name:  "golang",
				Image: "tinygo/tinygo:0.34.0",
				BuildArgs: []string{
					"tinygo", "build",
					"-gc=custom",
					"-scheduler=none",
					"-panic=trap",
					"-no-debug",
					"-target=wasm-unknown",
					"-o=/out/build.wasm",
					"./contract",
				},
				Artifact:      "build.wasm",
				Canonicalizer: CanonWasmStrip,
			},
			{
				Name:  "assemblyscript",
				Image: "node:20.18.1-bookworm-slim",
				BuildArgs: []string{
					"npx", "asc", "contract/index.ts",
					"--target", "release",
					"--noAssert",
					"--outFile", "/out/build.wasm",
				},
				Artifact:      "build.wasm",
				Canonicalizer: CanonWasmStrip,
			},
			{
				Name:  "rust-wasm",
				Image: "rust:1.83.0-slim-bookworm",
				BuildArgs: []string{
					"cargo", "build",
					"--release",
					"--target", "wasm32-unknown-unknown",
					"--target-dir", "/out/target",
				},
				Artifact:      "target/wasm32-unknown-unknown/release/contract.wasm",
				Canonicalizer: CanonWasmStrip,
			},
		},
	}
}
