package toolchain

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pendergraft/veriforge/internal/registry"
)

// Canonicalize applies the language's canonicalization pass so that two
// builds of byte-identical source under the same pinned toolchain always
// yield byte-identical bytecode.
func Canonicalize(canonicalizer string, bytecode []byte) ([]byte, error) {
	switch canonicalizer {
	case registry.CanonWasmStrip:
		return StripWasmCustomSections(bytecode)
	case registry.CanonEVMStrip:
		return StripEVMMetadata(bytecode), nil
	case registry.CanonNone, "":
		return bytecode, nil
	default:
		return nil, fmt.Errorf("unknown canonicalizer %q", canonicalizer)
	}
}

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// StripWasmCustomSections removes every custom section (id 0) from a wasm
// binary: name tables, producer info and debug data all live there and
// vary across build environments without changing the executable code.
// Non-custom sections pass through untouched and keep their order.
func StripWasmCustomSections(module []byte) ([]byte, error) {
	if len(module) < 8 || !bytes.Equal(module[:4], wasmMagic) {
		return nil, fmt.Errorf("not a wasm module")
	}

	out := make([]byte, 0, len(module))
	out = append(out, module[:8]...) // magic + version

	rest := module[8:]
	for len(rest) > 0 {
		id := rest[0]
		size, n := binary.Uvarint(rest[1:])
		if n <= 0 {
			return nil, fmt.Errorf("malformed wasm section size")
		}
		// Bound before converting: a huge declared size would overflow int
		// and slip past the end check below.
		if size > uint64(len(rest)) {
			return nil, fmt.Errorf("wasm section extends past end of module")
		}
		end := 1 + n + int(size)
		if end > len(rest) {
			return nil, fmt.Errorf("wasm section extends past end of module")
		}
		if id != 0 {
			out = append(out, rest[:end]...)
		}
		rest = rest[end:]
	}
	return out, nil
}

// CBOR metadata marker (Solidity >=0.6.0) - "ipfs" in CBOR
var evmMetadataMarker = []byte{0xa2, 0x64, 0x69, 0x70, 0x66, 0x73}

// StripEVMMetadata removes the CBOR metadata blob Solidity appends to EVM
// bytecode. The blob sits at the very end, followed by a 2-byte big-endian
// length of the blob itself; bytecode without that exact layout passes
// through untouched.
func StripEVMMetadata(bytecode []byte) []byte {
	if len(bytecode) < 2 {
		return bytecode
	}
	metaLen := int(binary.BigEndian.Uint16(bytecode[len(bytecode)-2:]))
	start := len(bytecode) - 2 - metaLen
	if start < 0 || !bytes.HasPrefix(bytecode[start:], evmMetadataMarker) {
		return bytecode
	}
	return bytecode[:start]
}
