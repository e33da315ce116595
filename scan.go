package retarget

// CallSite is a located call instruction believed to target a specific
// address.
type CallSite struct {
	Addr uint64
	Word uint32
}

// findCallSites returns every bl instruction whose decoded target is addr.
// An empty result is not an error; the caller decides what that means.
func findCallSites(instructions []InstructionRecord, addr uint64) []CallSite {
	var sites []CallSite
	for _, in := range instructions {
		if in.Mnemonic != "bl" || !in.HasTarget || in.Target != addr {
			continue
		}
		sites = append(sites, CallSite{Addr: in.Addr, Word: in.Word})
	}
	return sites
}
