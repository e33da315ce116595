// Rewrite direct calls in linked AArch64 ELF binaries
//
// Given pairs of (old function, new function) names, retarget finds every bl
// instruction that calls the old function and re-encodes it to call the new
// one instead, without relinking. It exists to swap Go runtime functions for
// bare-metal replacements after the linker has already run.
//
// Limitations:
//   - Only the AArch64 bl instruction form is handled
//   - Indirect calls, jump tables, and PLT stubs are invisible to it
//   - Replacement targets must be within ±128MiB of each call site
//   - A call site whose current target disagrees with the resolved old
//     address is patched anyway, with a warning
package retarget
