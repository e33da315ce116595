package retarget

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInspector struct {
	sections     []SectionRecord
	symbols      []SymbolRecord
	instructions []InstructionRecord

	symbolsErr error
}

func (f *fakeInspector) Sections() ([]SectionRecord, error) {
	return f.sections, nil
}

func (f *fakeInspector) Symbols() ([]SymbolRecord, error) {
	return f.symbols, f.symbolsErr
}

func (f *fakeInspector) Instructions() ([]InstructionRecord, error) {
	return f.instructions, nil
}

func testLogger() log.Interface {
	return &log.Logger{Handler: discard.Default, Level: log.InfoLevel}
}

// mustEncodeBL is for building test images.
func mustEncodeBL(t *testing.T, pc, target uint64) uint32 {
	t.Helper()
	word, err := EncodeBL(pc, target)
	require.NoError(t, err)
	return word
}

// One call at 0x1000 to old() at 0x2000; new() lives at 0x2040.
func scenarioInspector(t *testing.T) (*fakeInspector, []byte) {
	t.Helper()

	image := make([]byte, 16)
	binary.LittleEndian.PutUint32(image, mustEncodeBL(t, 0x1000, 0x2000))

	return &fakeInspector{
		sections: []SectionRecord{
			{Name: ".text", Type: "PROGBITS", Addr: 0x1000, Offset: 0},
		},
		symbols: []SymbolRecord{
			{Addr: 0x2000, Visibility: Local, Name: "old"},
			{Addr: 0x2040, Visibility: Global, Name: "new"},
		},
		instructions: []InstructionRecord{
			{Addr: 0x1000, Word: binary.LittleEndian.Uint32(image), Mnemonic: "bl", Target: 0x2000, HasTarget: true},
		},
	}, image
}

func TestPatch(t *testing.T) {
	assert := assert.New(t)

	inspector, image := scenarioInspector(t)
	engine := New(inspector, WithLogger(testLogger()))

	patched, result, err := engine.Patch(image, []Replacement{{Old: "old", New: "new"}})
	assert.NoError(err)
	assert.Equal(1, result.Patched)

	require.Len(t, result.Outcomes, 1)
	out := result.Outcomes[0]
	assert.NoError(out.Err)
	assert.Equal(1, out.Sites)
	assert.Equal(1, out.Patched)
	assert.Equal(0, out.Warnings)

	// 0x1000 -> 0x2040 is an offset of 0x1040.
	assert.Equal(mustEncodeBL(t, 0x1000, 0x2040), binary.LittleEndian.Uint32(patched))
}

func TestPatch_InputBufferUntouched(t *testing.T) {
	inspector, image := scenarioInspector(t)
	original := make([]byte, len(image))
	copy(original, image)

	_, result, err := New(inspector, WithLogger(testLogger())).Patch(image, []Replacement{{Old: "old", New: "new"}})
	require.NoError(t, err)
	require.Equal(t, 1, result.Patched)

	assert.Equal(t, original, image)
}

func TestPatch_SymbolNotFound(t *testing.T) {
	assert := assert.New(t)

	inspector, image := scenarioInspector(t)
	engine := New(inspector, WithLogger(testLogger()))

	patched, result, err := engine.Patch(image, []Replacement{{Old: "no.such.func", New: "new"}})
	assert.NoError(err)
	assert.Equal(0, result.Patched)
	assert.ErrorIs(result.Outcomes[0].Err, ErrSymbolNotFound)
	assert.Equal(image, patched)
}

// A failed resolution abandons only that replacement; later replacements are
// still processed.
func TestPatch_ContinuesAfterFailedReplacement(t *testing.T) {
	assert := assert.New(t)

	inspector, image := scenarioInspector(t)
	engine := New(inspector, WithLogger(testLogger()))

	_, result, err := engine.Patch(image, []Replacement{
		{Old: "old", New: "no.such.func"},
		{Old: "old", New: "new"},
	})
	assert.NoError(err)
	assert.Equal(1, result.Patched)
	assert.ErrorIs(result.Outcomes[0].Err, ErrSymbolNotFound)
	assert.NoError(result.Outcomes[1].Err)
	assert.Equal(1, result.Outcomes[1].Patched)
}

// The disassembly says the call targets old(), but the buffer word encodes
// something else. The mismatch is warned about and patched anyway.
func TestPatch_StaleDisassembly(t *testing.T) {
	assert := assert.New(t)

	inspector, image := scenarioInspector(t)
	binary.LittleEndian.PutUint32(image, mustEncodeBL(t, 0x1000, 0x3000))

	patched, result, err := New(inspector, WithLogger(testLogger())).Patch(image, []Replacement{{Old: "old", New: "new"}})
	assert.NoError(err)
	assert.Equal(1, result.Patched)
	assert.Equal(1, result.Outcomes[0].Warnings)
	assert.Equal(mustEncodeBL(t, 0x1000, 0x2040), binary.LittleEndian.Uint32(patched))
}

// Redirecting a function to itself rewrites every site without changing any
// bytes.
func TestPatch_SelfPatchIsNoOp(t *testing.T) {
	assert := assert.New(t)

	inspector, image := scenarioInspector(t)
	original := make([]byte, len(image))
	copy(original, image)

	patched, result, err := New(inspector, WithLogger(testLogger())).Patch(image, []Replacement{{Old: "old", New: "old"}})
	assert.NoError(err)
	assert.Equal(1, result.Patched)
	assert.Equal(original, patched)
}

func TestPatch_OffsetOutOfRange(t *testing.T) {
	assert := assert.New(t)

	// Two calls to old(). new() is reachable from the second site but
	// ±128MiB out of range from the first.
	image := make([]byte, 0x3004)
	binary.LittleEndian.PutUint32(image, mustEncodeBL(t, 0x1000, 0x2000))
	binary.LittleEndian.PutUint32(image[0x3000:], mustEncodeBL(t, 0x4000, 0x2000))

	inspector := &fakeInspector{
		sections: []SectionRecord{
			{Name: ".text", Type: "PROGBITS", Addr: 0x1000, Offset: 0},
		},
		symbols: []SymbolRecord{
			{Addr: 0x2000, Visibility: Local, Name: "old"},
			{Addr: 0x8001000, Visibility: Global, Name: "new"},
		},
		instructions: []InstructionRecord{
			{Addr: 0x1000, Word: binary.LittleEndian.Uint32(image), Mnemonic: "bl", Target: 0x2000, HasTarget: true},
			{Addr: 0x4000, Word: binary.LittleEndian.Uint32(image[0x3000:]), Mnemonic: "bl", Target: 0x2000, HasTarget: true},
		},
	}

	patched, result, err := New(inspector, WithLogger(testLogger())).Patch(image, []Replacement{{Old: "old", New: "new"}})
	assert.NoError(err)
	assert.Equal(2, result.Outcomes[0].Sites)
	assert.Equal(1, result.Outcomes[0].Patched)

	// The first site is out of range and untouched.
	assert.Equal(mustEncodeBL(t, 0x1000, 0x2000), binary.LittleEndian.Uint32(patched))
	assert.Equal(mustEncodeBL(t, 0x4000, 0x8001000), binary.LittleEndian.Uint32(patched[0x3000:]))
}

// A call site that translates to a file offset outside the buffer is skipped.
func TestPatch_OffsetOutsideImage(t *testing.T) {
	assert := assert.New(t)

	inspector, image := scenarioInspector(t)
	inspector.instructions = append(inspector.instructions, InstructionRecord{
		Addr: 0x9000_0000, Word: 0x94000000, Mnemonic: "bl", Target: 0x2000, HasTarget: true,
	})

	_, result, err := New(inspector, WithLogger(testLogger())).Patch(image, []Replacement{{Old: "old", New: "new"}})
	assert.NoError(err)
	assert.Equal(2, result.Outcomes[0].Sites)
	assert.Equal(1, result.Outcomes[0].Patched)
}

// The buffer word at a claimed call site turns out not to be a bl. Skipped.
func TestPatch_NotABL(t *testing.T) {
	assert := assert.New(t)

	inspector, image := scenarioInspector(t)
	binary.LittleEndian.PutUint32(image, 0xd503201f) // nop

	patched, result, err := New(inspector, WithLogger(testLogger())).Patch(image, []Replacement{{Old: "old", New: "new"}})
	assert.NoError(err)
	assert.Equal(0, result.Patched)
	assert.Equal(uint32(0xd503201f), binary.LittleEndian.Uint32(patched))
}

func TestPatch_NoCallSites(t *testing.T) {
	assert := assert.New(t)

	inspector, image := scenarioInspector(t)
	inspector.instructions = nil

	_, result, err := New(inspector, WithLogger(testLogger())).Patch(image, []Replacement{{Old: "old", New: "new"}})
	assert.NoError(err)
	assert.Equal(0, result.Patched)
	assert.NoError(result.Outcomes[0].Err)
	assert.Equal(0, result.Outcomes[0].Sites)
	assert.Equal(1, result.Outcomes[0].Warnings)
}

func TestPatch_MissingTextSection(t *testing.T) {
	inspector, image := scenarioInspector(t)
	inspector.sections = nil

	_, _, err := New(inspector, WithLogger(testLogger())).Patch(image, []Replacement{{Old: "old", New: "new"}})
	assert.ErrorIs(t, err, ErrSectionNotFound)
}

func TestPatch_SymbolReaderError(t *testing.T) {
	assert := assert.New(t)

	inspector, image := scenarioInspector(t)
	inspector.symbolsErr = os.ErrPermission

	_, result, err := New(inspector, WithLogger(testLogger())).Patch(image, []Replacement{{Old: "old", New: "new"}})
	assert.NoError(err)
	assert.Equal(0, result.Patched)
	assert.ErrorIs(result.Outcomes[0].Err, os.ErrPermission)
}

func TestPatch_VisibilityOverride(t *testing.T) {
	assert := assert.New(t)

	inspector, image := scenarioInspector(t)
	inspector.symbols = append(inspector.symbols, SymbolRecord{
		Addr: 0x2080, Visibility: Local, Name: "new",
	})

	// Prefer the local copy of new() instead of the default global.
	patched, result, err := New(inspector,
		WithLogger(testLogger()),
		WithNewVisibility(Local),
	).Patch(image, []Replacement{{Old: "old", New: "new"}})
	assert.NoError(err)
	assert.Equal(1, result.Patched)
	assert.Equal(mustEncodeBL(t, 0x1000, 0x2080), binary.LittleEndian.Uint32(patched))
}

func writeTestFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kernel.elf")
	require.NoError(t, os.WriteFile(path, data, 0o755))
	return path
}

func TestPatchFile(t *testing.T) {
	assert := assert.New(t)

	inspector, image := scenarioInspector(t)
	path := writeTestFile(t, image)

	result, err := New(inspector, WithLogger(testLogger())).PatchFile(path, []Replacement{{Old: "old", New: "new"}})
	assert.NoError(err)
	assert.Equal(1, result.Patched)

	data, err := os.ReadFile(path)
	assert.NoError(err)
	assert.Equal(mustEncodeBL(t, 0x1000, 0x2040), binary.LittleEndian.Uint32(data))

	info, err := os.Stat(path)
	assert.NoError(err)
	assert.Equal(os.FileMode(0o755), info.Mode())
}

// When nothing was patched the file must be byte-for-byte untouched.
func TestPatchFile_NothingPatched(t *testing.T) {
	assert := assert.New(t)

	inspector, image := scenarioInspector(t)
	path := writeTestFile(t, image)

	result, err := New(inspector, WithLogger(testLogger())).PatchFile(path, []Replacement{{Old: "no.such.func", New: "new"}})
	assert.ErrorIs(err, ErrNoPatches)
	assert.Equal(0, result.Patched)

	data, readErr := os.ReadFile(path)
	assert.NoError(readErr)
	assert.Equal(image, data)
}
