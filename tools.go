package retarget

import (
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ToolchainInspector produces records by running binutils on the image and
// parsing their output. Prefix selects a cross toolchain: a prefix of
// "aarch64-linux-gnu-" runs aarch64-linux-gnu-readelf and friends.
//
// ELFInspector is usually the better choice; this exists for images the
// standard library reader chokes on, where the target toolchain's own tools
// are the authority.
type ToolchainInspector struct {
	Path   string
	Prefix string

	instructions []InstructionRecord
}

// NewToolchainInspector inspects the image at path with prefix+readelf,
// prefix+nm, and prefix+objdump.
func NewToolchainInspector(path, prefix string) *ToolchainInspector {
	return &ToolchainInspector{Path: path, Prefix: prefix}
}

func (t *ToolchainInspector) run(tool string, args ...string) (string, error) {
	out, err := exec.Command(t.Prefix+tool, args...).Output()
	if err != nil {
		return "", errors.Wrapf(err, "%s%s failed", t.Prefix, tool)
	}
	return string(out), nil
}

func (t *ToolchainInspector) Sections() ([]SectionRecord, error) {
	out, err := t.run("readelf", "-S", t.Path)
	if err != nil {
		return nil, err
	}
	return parseSections(out), nil
}

func (t *ToolchainInspector) Symbols() ([]SymbolRecord, error) {
	out, err := t.run("nm", t.Path)
	if err != nil {
		return nil, err
	}
	return parseSymbols(out), nil
}

func (t *ToolchainInspector) Instructions() ([]InstructionRecord, error) {
	if t.instructions != nil {
		return t.instructions, nil
	}
	out, err := t.run("objdump", "-d", t.Path)
	if err != nil {
		return nil, err
	}
	t.instructions = parseInstructions(out)
	return t.instructions, nil
}

// readelf -S:
//   [ 1] .text             PROGBITS         0000000000401000  00001000
var sectionRe = regexp.MustCompile(`\]\s+(\.\S+)\s+(\S+)\s+([0-9a-f]+)\s+([0-9a-f]+)`)

func parseSections(out string) []SectionRecord {
	var records []SectionRecord
	for _, line := range strings.Split(out, "\n") {
		m := sectionRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		addr, addrErr := strconv.ParseUint(m[3], 16, 64)
		offset, offsetErr := strconv.ParseUint(m[4], 16, 64)
		if addrErr != nil || offsetErr != nil {
			continue
		}
		records = append(records, SectionRecord{
			Name:   m[1],
			Type:   m[2],
			Addr:   addr,
			Offset: offset,
		})
	}
	return records
}

// nm prints one "<address> <type> <name>" per line. Only the text symbol
// classes are kept: T is global, t and w are local or weak.
func parseSymbols(out string) []SymbolRecord {
	var records []SymbolRecord
	for _, line := range strings.Split(out, "\n") {
		parts := strings.Fields(line)
		if len(parts) < 3 {
			continue
		}
		addr, err := strconv.ParseUint(parts[0], 16, 64)
		if err != nil {
			continue
		}

		var visibility Visibility
		switch parts[1] {
		case "T":
			visibility = Global
		case "t", "w":
			visibility = Local
		default:
			continue
		}

		records = append(records, SymbolRecord{
			Addr:       addr,
			Visibility: visibility,
			Name:       strings.Join(parts[2:], " "),
		})
	}
	return records
}

// objdump -d:
//   27c2a4:	97ffca93 	bl	26ecf0 <runtime.gcWriteBarrier2>
var instructionRe = regexp.MustCompile(`^\s*([0-9a-f]+):\s+([0-9a-f]{8})\s+(\S+)(?:\s+([0-9a-f]+)\b)?`)

func parseInstructions(out string) []InstructionRecord {
	var records []InstructionRecord
	for _, line := range strings.Split(out, "\n") {
		m := instructionRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		addr, addrErr := strconv.ParseUint(m[1], 16, 64)
		word, wordErr := strconv.ParseUint(m[2], 16, 32)
		if addrErr != nil || wordErr != nil {
			continue
		}

		record := InstructionRecord{
			Addr:     addr,
			Word:     uint32(word),
			Mnemonic: m[3],
		}
		if m[4] != "" {
			if target, err := strconv.ParseUint(m[4], 16, 64); err == nil {
				record.Target = target
				record.HasTarget = true
			}
		}
		records = append(records, record)
	}
	return records
}
