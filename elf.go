package retarget

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
)

// ELFInspector reads section, symbol, and instruction records straight from
// an ELF image, with no external tools. Disassembly uses arm64asm and only
// needs to be good enough to identify bl instructions and their targets.
type ELFInspector struct {
	file *elf.File

	instructions []InstructionRecord
}

// OpenELF opens the image at path for inspection.
func OpenELF(path string) (*ELFInspector, error) {
	file, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	return &ELFInspector{file: file}, nil
}

// Close releases the underlying file.
func (i *ELFInspector) Close() error {
	return i.file.Close()
}

func (i *ELFInspector) Sections() ([]SectionRecord, error) {
	records := make([]SectionRecord, 0, len(i.file.Sections))
	for _, sec := range i.file.Sections {
		records = append(records, SectionRecord{
			Name:   sec.Name,
			Type:   sectionTypeString(sec.Type),
			Addr:   sec.Addr,
			Offset: sec.Offset,
		})
	}
	return records, nil
}

// sectionTypeString converts an elf.SectionType to the readelf spelling,
// e.g. SHT_PROGBITS becomes "PROGBITS".
func sectionTypeString(t elf.SectionType) string {
	return strings.TrimPrefix(t.String(), "SHT_")
}

// Symbols returns the image's function symbols in symbol-table order. Data
// symbols are dropped; weak and local functions both map to Local.
func (i *ELFInspector) Symbols() ([]SymbolRecord, error) {
	symbols, err := i.file.Symbols()
	if err != nil {
		return nil, err
	}

	var records []SymbolRecord
	for _, sym := range symbols {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC {
			continue
		}

		visibility := Local
		if elf.ST_BIND(sym.Info) == elf.STB_GLOBAL {
			visibility = Global
		}

		records = append(records, SymbolRecord{
			Addr:       sym.Value,
			Visibility: visibility,
			Name:       sym.Name,
		})
	}
	return records, nil
}

// Instructions decodes the .text section one 4-byte word at a time. Words
// arm64asm cannot decode get the mnemonic "?". The result is cached.
func (i *ELFInspector) Instructions() ([]InstructionRecord, error) {
	if i.instructions != nil {
		return i.instructions, nil
	}

	sec := i.file.Section(".text")
	if sec == nil {
		return nil, fmt.Errorf("disassemble: %w", ErrSectionNotFound)
	}
	code, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("disassemble: reading .text: %w", err)
	}

	records := make([]InstructionRecord, 0, len(code)/4)
	for off := 0; off+4 <= len(code); off += 4 {
		record := InstructionRecord{
			Addr: sec.Addr + uint64(off),
			Word: binary.LittleEndian.Uint32(code[off:]),
		}

		inst, err := arm64asm.Decode(code[off : off+4])
		if err != nil {
			record.Mnemonic = "?"
			records = append(records, record)
			continue
		}
		record.Mnemonic = strings.ToLower(inst.Op.String())

		for _, arg := range inst.Args {
			if rel, ok := arg.(arm64asm.PCRel); ok {
				record.Target = record.Addr + uint64(int64(rel))
				record.HasTarget = true
				break
			}
		}

		records = append(records, record)
	}

	i.instructions = records
	return records, nil
}
