// Package addressing maps memory offsets to cache and DRAM coordinates.
//
// The functions in Model are bit hashes of a page offset, that is, the
// offset of a byte within the huge page that contains it. Huge pages are
// physically contiguous, so the low bits of a page offset are the low bits
// of the physical address, which is all the hardware hashes look at.
//
// Region turns buffer offsets (indexes into the memory arena) into page
// offsets and back, and implements the row and column arithmetic used to
// lay out victims and aggressors. That arithmetic is bank preserving:
// adding one to a row or column field can change a bit that a bank hash
// also samples, so every step re-balances the hash by flipping a partner
// bit (see BitPair).
//
// Nothing in this package measures anything. The masks are per-target
// configuration, typically reverse engineered offline, and are supplied by
// the target package.
package addressing
