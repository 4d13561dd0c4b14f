package toolchain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/veriforge/internal/registry"
)

// section builds a wasm section with the given id and payload.
func section(id byte, payload []byte) []byte {
	out := []byte{id}
	// payload sizes in these tests fit a single uleb128 byte
	out = append(out, byte(len(payload)))
	return append(out, payload...)
}

func wasmModule(sections ...[]byte) []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	for _, s := range sections {
		out = append(out, s...)
	}
	return out
}

func TestStripWasmCustomSections(t *testing.T) {
	typeSec := section(1, []byte{0x01, 0x60, 0x00, 0x00})
	nameSec := section(0, []byte{0x04, 'n', 'a', 'm', 'e'})
	codeSec := section(10, []byte{0x01, 0x02, 0x00, 0x0b})

	stripped, err := StripWasmCustomSections(wasmModule(typeSec, nameSec, codeSec))
	require.NoError(t, err)
	assert.Equal(t, wasmModule(typeSec, codeSec), stripped)
}

func TestStripWasmCustomSections_NoCustomSections(t *testing.T) {
	mod := wasmModule(section(1, []byte{0x01, 0x60, 0x00, 0x00}))
	stripped, err := StripWasmCustomSections(mod)
	require.NoError(t, err)
	assert.Equal(t, mod, stripped)
}

func TestStripWasmCustomSections_TrailingCustomSection(t *testing.T) {
	codeSec := section(10, []byte{0x01, 0x02, 0x00, 0x0b})
	producers := section(0, []byte{0x09, 'p', 'r', 'o', 'd', 'u', 'c', 'e', 'r', 's'})

	stripped, err := StripWasmCustomSections(wasmModule(codeSec, producers))
	require.NoError(t, err)
	assert.Equal(t, wasmModule(codeSec), stripped)
}

func TestStripWasmCustomSections_Malformed(t *testing.T) {
	_, err := StripWasmCustomSections([]byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x00, 0x00, 0x00})
	assert.Error(t, err, "bad magic")

	truncated := wasmModule(section(1, []byte{0x01, 0x60, 0x00, 0x00}))
	_, err = StripWasmCustomSections(truncated[:len(truncated)-2])
	assert.Error(t, err, "section past end")
}

func TestStripWasmCustomSections_OversizedSectionLength(t *testing.T) {
	// 10-byte uleb128 encoding of 1<<63: converting it to int goes
	// negative, so the end-of-module check alone would not catch it.
	// Artifact bytes come out of builds of submitted source, so this must
	// error, never panic.
	mod := wasmModule([]byte{
		0x01,
		0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x01,
	})
	_, err := StripWasmCustomSections(mod)
	assert.Error(t, err)
}

func TestStripEVMMetadata(t *testing.T) {
	code := []byte{0x60, 0x80, 0x60, 0x40, 0x52}
	blob := append(append([]byte{}, evmMetadataMarker...), 0x58, 0x22, 0x12, 0x20)
	withMeta := append(append([]byte{}, code...), blob...)
	withMeta = append(withMeta, 0x00, byte(len(blob))) // trailing blob length

	assert.Equal(t, code, StripEVMMetadata(withMeta))
	assert.Equal(t, code, StripEVMMetadata(code), "no metadata suffix leaves bytecode untouched")

	// A trailing length that does not line up with the marker is left alone.
	bogus := append(append([]byte{}, code...), 0x00, 0x40)
	assert.Equal(t, bogus, StripEVMMetadata(bogus))

	short := []byte{0x33}
	assert.Equal(t, short, StripEVMMetadata(short))
}

func TestCanonicalize_Dispatch(t *testing.T) {
	raw := []byte{0x01, 0x02, 0x03}

	out, err := Canonicalize(registry.CanonNone, raw)
	require.NoError(t, err)
	assert.Equal(t, raw, out)

	out, err = Canonicalize("", raw)
	require.NoError(t, err)
	assert.Equal(t, raw, out)

	_, err = Canonicalize("gzip", raw)
	assert.Error(t, err)

	_, err = Canonicalize(registry.CanonWasmStrip, raw)
	assert.Error(t, err, "not a wasm module")
}
