package retarget

import "errors"

// ErrSectionNotFound means the image has no loaded code section. Nothing can
// be patched without one, so this aborts the whole run.
var ErrSectionNotFound = errors.New("could not find .text section")

// Section is the file-offset / virtual-address mapping of the code section.
// Both values are fixed for the lifetime of a run.
type Section struct {
	Offset uint64
	Addr   uint64
}

// FileOffset translates a virtual address inside the section to a byte
// position in the image.
func (s Section) FileOffset(vaddr uint64) int64 {
	return int64(s.Offset) + (int64(vaddr) - int64(s.Addr))
}

func findTextSection(sections []SectionRecord) (Section, error) {
	for _, sec := range sections {
		if sec.Name == ".text" && sec.Type == "PROGBITS" {
			return Section{Offset: sec.Offset, Addr: sec.Addr}, nil
		}
	}
	return Section{}, ErrSectionNotFound
}
