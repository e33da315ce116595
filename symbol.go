package retarget

import (
	"errors"
	"fmt"
)

// ErrSymbolNotFound means no function symbol with the requested name exists.
// This only abandons the current replacement, not the run.
var ErrSymbolNotFound = errors.New("symbol not found")

// anyVisibility disables the visibility preference.
const anyVisibility Visibility = -1

// resolveSymbol returns the address of the function symbol called name. When
// more than one record matches, the first record with the preferred
// visibility wins; if none has it, the first match in input order wins.
func resolveSymbol(symbols []SymbolRecord, name string, prefer Visibility) (uint64, error) {
	var matches []SymbolRecord
	for _, sym := range symbols {
		if sym.Name == name {
			matches = append(matches, sym)
		}
	}

	if len(matches) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
	}

	if prefer != anyVisibility {
		for _, sym := range matches {
			if sym.Visibility == prefer {
				return sym.Addr, nil
			}
		}
	}

	return matches[0].Addr, nil
}
