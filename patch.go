package retarget

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"

	"github.com/apex/log"
)

// ErrNoPatches means no call site was rewritten across all replacements. The
// original file is left untouched.
var ErrNoPatches = errors.New("no patches applied")

// Outcome reports what happened for a single replacement.
type Outcome struct {
	Replacement

	Sites    int // call sites found
	Patched  int // call sites rewritten
	Warnings int

	// Err is set when the replacement could not be attempted at all, e.g.
	// ErrSymbolNotFound. Per-site failures only show up in the counters.
	Err error
}

// Result aggregates the outcomes of one run.
type Result struct {
	Outcomes []Outcome

	// Patched is the total number of rewritten call sites across all
	// replacements.
	Patched int
}

// Engine rewrites direct calls in a compiled image so they target a
// replacement function.
type Engine struct {
	inspector Inspector
	log       log.Interface

	oldVisibility Visibility
	newVisibility Visibility
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger replaces the default package-level apex logger.
func WithLogger(l log.Interface) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// WithOldVisibility sets the visibility preferred when resolving the function
// being replaced. The default is Local: replaced functions are normally weak
// or local symbols inside a statically linked runtime.
func WithOldVisibility(v Visibility) Option {
	return func(e *Engine) {
		e.oldVisibility = v
	}
}

// WithNewVisibility sets the visibility preferred when resolving the
// replacement function. The default is Global: replacements are normally
// exported from custom code.
func WithNewVisibility(v Visibility) Option {
	return func(e *Engine) {
		e.newVisibility = v
	}
}

// New returns an Engine that reads image structure from inspector.
func New(inspector Inspector, opts ...Option) *Engine {
	e := &Engine{
		inspector:     inspector,
		log:           log.Log,
		oldVisibility: Local,
		newVisibility: Global,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PatchFile reads the image at path, applies the replacements in order, and
// replaces the file with the patched buffer if at least one call site was
// rewritten. When nothing was patched the file is untouched and the error is
// ErrNoPatches. The write replaces the whole file at once: a partially
// patched image never reaches disk.
func (e *Engine) PatchFile(path string, replacements []Replacement) (*Result, error) {
	image, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	patched, result, err := e.Patch(image, replacements)
	if err != nil {
		return nil, err
	}

	if result.Patched == 0 {
		return result, ErrNoPatches
	}

	if err := writeFileAtomic(path, patched); err != nil {
		return result, err
	}
	return result, nil
}

// Patch applies the replacements, in order, to a private copy of image and
// returns the patched copy. image itself is never modified. Only a missing
// code section is fatal; every other failure abandons a single replacement or
// a single call site and processing continues.
func (e *Engine) Patch(image []byte, replacements []Replacement) ([]byte, *Result, error) {
	sections, err := e.inspector.Sections()
	if err != nil {
		return nil, nil, err
	}
	text, err := findTextSection(sections)
	if err != nil {
		return nil, nil, err
	}
	e.log.Debugf("found .text section: vaddr=%#x file_offset=%#x", text.Addr, text.Offset)

	buf := make([]byte, len(image))
	copy(buf, image)

	result := &Result{Outcomes: make([]Outcome, 0, len(replacements))}
	for _, rep := range replacements {
		out := e.patchOne(buf, text, rep)
		if out.Err != nil {
			e.log.WithError(out.Err).Errorf("skipping replacement %s -> %s", rep.Old, rep.New)
		}
		result.Outcomes = append(result.Outcomes, out)
		result.Patched += out.Patched
	}

	return buf, result, nil
}

func (e *Engine) patchOne(buf []byte, text Section, rep Replacement) Outcome {
	out := Outcome{Replacement: rep}

	ctx := e.log.WithFields(log.Fields{"old": rep.Old, "new": rep.New})
	ctx.Info("processing replacement")

	symbols, err := e.inspector.Symbols()
	if err != nil {
		out.Err = err
		return out
	}

	oldAddr, err := resolveSymbol(symbols, rep.Old, e.oldVisibility)
	if err != nil {
		out.Err = err
		return out
	}
	newAddr, err := resolveSymbol(symbols, rep.New, e.newVisibility)
	if err != nil {
		out.Err = err
		return out
	}
	ctx.Debugf("resolved %s to %#x, %s to %#x", rep.Old, oldAddr, rep.New, newAddr)

	instructions, err := e.inspector.Instructions()
	if err != nil {
		out.Err = err
		return out
	}

	sites := findCallSites(instructions, oldAddr)
	out.Sites = len(sites)
	if len(sites) == 0 {
		ctx.Warnf("no call sites found for %s", rep.Old)
		out.Warnings++
		return out
	}
	ctx.Infof("found %d call site(s)", len(sites))

	for _, site := range sites {
		if e.patchSite(buf, text, site, oldAddr, newAddr, &out) {
			out.Patched++
		}
	}
	return out
}

// patchSite rewrites one call instruction in buf. Failures are logged and
// reported by returning false; sibling sites are unaffected.
func (e *Engine) patchSite(buf []byte, text Section, site CallSite, oldAddr, newAddr uint64, out *Outcome) bool {
	offset := text.FileOffset(site.Addr)
	if offset < 0 || offset+4 > int64(len(buf)) {
		e.log.Errorf("call at %#x: file offset %#x outside image", site.Addr, offset)
		return false
	}

	// Decode the word from the buffer rather than trusting the
	// disassembly, which may be stale.
	word := binary.LittleEndian.Uint32(buf[offset:])
	current, err := DecodeBL(site.Addr, word)
	if err != nil {
		e.log.Errorf("call at %#x: %v", site.Addr, err)
		return false
	}

	if current != oldAddr {
		// Patch it anyway. Symbol resolution can be ambiguous and the
		// policy is to rewrite everything that calls the resolved
		// address.
		e.log.Warnf("call at %#x targets %#x, expected %#x", site.Addr, current, oldAddr)
		out.Warnings++
	}

	patched, err := EncodeBL(site.Addr, newAddr)
	if err != nil {
		e.log.Errorf("call at %#x: cannot encode bl: %v", site.Addr, err)
		return false
	}

	binary.LittleEndian.PutUint32(buf[offset:], patched)
	e.log.Infof("patched call at %#x (file offset %#x): %#x -> %#x", site.Addr, offset, oldAddr, newAddr)
	return true
}

// writeFileAtomic replaces the file at path with data in a single rename, so
// a crash mid-write leaves the original bytes intact.
func writeFileAtomic(path string, data []byte) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".patch*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(info.Mode()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}
