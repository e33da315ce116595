package retarget

// SectionRecord describes one section of the image as reported by an
// Inspector. Type uses the readelf spelling, e.g. "PROGBITS".
type SectionRecord struct {
	Name   string
	Type   string
	Addr   uint64
	Offset uint64
}

// Visibility classifies a function symbol.
type Visibility int

const (
	// Local covers local and weak text symbols (nm "t" and "w").
	Local Visibility = iota
	// Global covers exported text symbols (nm "T").
	Global
)

func (v Visibility) String() string {
	switch v {
	case Local:
		return "local"
	case Global:
		return "global"
	}
	return "unknown"
}

// SymbolRecord is one function symbol from the image's symbol table.
type SymbolRecord struct {
	Addr       uint64
	Visibility Visibility
	Name       string
}

// InstructionRecord is one instruction from the image's code section. Target
// is only meaningful when HasTarget is set; most instructions have no
// decodable branch target.
type InstructionRecord struct {
	Addr      uint64
	Word      uint32
	Mnemonic  string
	Target    uint64
	HasTarget bool
}

// Replacement asks for every direct call to Old to be redirected to New.
type Replacement struct {
	Old string
	New string
}

// Inspector supplies the structured records the patch engine consumes. Record
// order must be stable across calls: symbol resolution picks the first match
// in input order.
type Inspector interface {
	Sections() ([]SectionRecord, error)
	Symbols() ([]SymbolRecord, error)
	Instructions() ([]InstructionRecord, error)
}
