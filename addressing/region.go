package addressing

import (
	"errors"
	"fmt"
)

// Region describes the memory arena as the addressing functions see it:
// a buffer of Size bytes in which HugePages huge pages start at
// FirstHugePage and follow each other back to back.
//
// Buffer offsets are plain ints indexing the arena. Page offsets are
// uint64 values in [0, HugePageSize).
type Region struct {
	Model         Model
	Size          int
	HugePageSize  int
	FirstHugePage int
	HugePages     int
}

// Validate checks that every huge page of the registry lies in the arena.
func (o Region) Validate() error {
	if o.HugePageSize <= 0 || o.HugePageSize&(o.HugePageSize-1) != 0 {
		return fmt.Errorf("huge page size %d is not a power of two", o.HugePageSize)
	}

	if o.HugePages <= 0 {
		return errors.New("number of huge pages must be greater than zero")
	}

	if o.FirstHugePage < 0 {
		return fmt.Errorf("first huge page offset cannot be negative (%d)", o.FirstHugePage)
	}

	end := o.FirstHugePage + o.HugePages*o.HugePageSize
	if end > o.Size {
		return fmt.Errorf("%d huge pages starting at %d end at %d, beyond the arena size of %d",
			o.HugePages, o.FirstHugePage, end, o.Size)
	}

	return o.Model.Validate()
}

// HugePage returns the buffer offset of the first byte of huge page h.
func (o Region) HugePage(h int) int {
	return o.FirstHugePage + h*o.HugePageSize
}

// Registry returns the buffer offset of every huge page, in order.
func (o Region) Registry() []int {
	pages := make([]int, o.HugePages)
	for h := range pages {
		pages[h] = o.HugePage(h)
	}
	return pages
}

// PageOffset returns the offset of buffer offset i inside its huge page.
func (o Region) PageOffset(i int) uint64 {
	return uint64(i-o.FirstHugePage) & uint64(o.HugePageSize-1)
}

// BufferOffset returns the buffer offset of page offset po in huge page h.
func (o Region) BufferOffset(po uint64, h int) int {
	return o.HugePage(h) + int(po)
}

// Contains reports whether buffer offset i is inside the arena.
func (o Region) Contains(i int) bool {
	return i >= 0 && i < o.Size
}

// Row returns the row index of buffer offset i counted from the first
// huge page. Rows before the first huge page are negative.
func (o Region) Row(i int) int {
	return (i - o.FirstHugePage) >> o.Model.RowShift
}

// Slice returns the cache slice of buffer offset i.
func (o Region) Slice(i int) uint64 {
	return o.Model.SliceOf(o.PageOffset(i))
}

// Set returns the cache set of buffer offset i.
func (o Region) Set(i int) uint64 {
	return o.Model.SetOf(o.PageOffset(i))
}

// Column returns the DRAM column of buffer offset i.
func (o Region) Column(i int) uint64 {
	return o.Model.ColumnOf(o.PageOffset(i))
}

// Bank returns the DRAM bank of buffer offset i.
func (o Region) Bank(i int) uint64 {
	return o.Model.BankOf(o.PageOffset(i))
}

// RowParity returns the row parity bit of buffer offset i.
func (o Region) RowParity(i int) uint64 {
	return o.Model.RowParityOf(o.PageOffset(i))
}

// SameBank reports whether every offset maps to the same bank.
func (o Region) SameBank(offsets ...int) bool {
	if len(offsets) == 0 {
		return true
	}

	bank := o.Bank(offsets[0])
	for _, i := range offsets[1:] {
		if o.Bank(i) != bank {
			return false
		}
	}

	return true
}

// ColumnsAdjacent reports whether next is exactly one column after prev,
// modulo the number of columns.
func (o Region) ColumnsAdjacent(next int, prev int) bool {
	n := o.Model.Column.Values()
	return (o.Column(next)+n-o.Column(prev))%n == 1
}

// RowAdd moves buffer offset a by x rows of the same bank. The result
// may leave the arena; check it with Contains.
func (o Region) RowAdd(a int, x int) int {
	po := o.PageOffset(a)
	base := a - int(po)

	moved := int64(po) + int64(x)<<o.Model.RowShift
	fixed := rebalance(po, uint64(moved), o.Model.RowFixups)

	return base + int(int64(fixed))
}

// ColumnAdd moves buffer offset a by x columns within its row. Column
// arithmetic wraps inside the column field so the row is never touched.
func (o Region) ColumnAdd(a int, x int) int {
	po := o.PageOffset(a)
	base := a - int(po)

	n := int64(o.Model.Column.Values())
	column := (int64(o.Model.Column.Of(po)) + int64(x)) % n
	if column < 0 {
		column += n
	}

	moved := o.Model.Column.Put(po, uint64(column))

	return base + int(rebalance(po, moved, o.Model.ColumnFixups))
}

// ColumnSet returns buffer offset a with its column replaced by c.
func (o Region) ColumnSet(a int, c uint64) int {
	po := o.PageOffset(a)
	base := a - int(po)

	moved := o.Model.Column.Put(po, c)

	return base + int(rebalance(po, moved, o.Model.ColumnFixups))
}

// SameSlice returns the buffer offsets in huge page h that map to the
// given slice, one per slice-hash stride.
func (o Region) SameSlice(h int, slice uint64) []int {
	var offsets []int

	stride := o.Model.Slice.Stride()
	for po := uint64(0); po < uint64(o.HugePageSize); po += stride {
		if o.Model.SliceOf(po) == slice {
			offsets = append(offsets, o.BufferOffset(po, h))
		}
	}

	return offsets
}

// SameSliceParity is SameSlice restricted to offsets whose row parity
// equals parity.
func (o Region) SameSliceParity(h int, slice uint64, parity uint64) []int {
	var offsets []int

	for _, i := range o.SameSlice(h, slice) {
		if o.RowParity(i) == parity {
			offsets = append(offsets, i)
		}
	}

	return offsets
}
