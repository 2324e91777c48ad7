package addressing

import (
	"errors"
	"fmt"
	"math/bits"
)

// BitField extracts a contiguous field: (offset & Mask) >> Shift.
type BitField struct {
	Mask  uint64 `json:"mask"`
	Shift uint   `json:"shift"`
}

// Of returns the value of the field in offset.
func (o BitField) Of(offset uint64) uint64 {
	return (offset & o.Mask) >> o.Shift
}

// Values returns the number of distinct values the field can hold.
func (o BitField) Values() uint64 {
	return (o.Mask >> o.Shift) + 1
}

// Put returns offset with the field replaced by v (truncated to the field).
func (o BitField) Put(offset uint64, v uint64) uint64 {
	return (offset &^ o.Mask) | ((v << o.Shift) & o.Mask)
}

func (o BitField) validate() error {
	if o.Mask == 0 {
		return errors.New("mask cannot be zero")
	}

	if o.Mask&((1<<o.Shift)-1) != 0 {
		return fmt.Errorf("mask 0x%x has bits below shift %d", o.Mask, o.Shift)
	}

	field := o.Mask >> o.Shift
	if field&(field+1) != 0 {
		return fmt.Errorf("mask 0x%x is not contiguous", o.Mask)
	}

	return nil
}

// SliceHash is an LLC slice function. Bit i of (offset >> Shift)
// contributes Masks[i] to the slice id, and contributions are XORed.
type SliceHash struct {
	Shift uint     `json:"shift"`
	Masks []uint64 `json:"masks"`
}

// Of returns the slice of offset.
func (o SliceHash) Of(offset uint64) uint64 {
	var s uint64

	offset >>= o.Shift

	for i, mask := range o.Masks {
		s ^= ((offset >> uint(i)) & 1) * mask
	}

	return s
}

// Stride is the distance between two offsets that differ only in bits
// the slice hash reads.
func (o SliceHash) Stride() uint64 {
	return 1 << o.Shift
}

// BankHash is a DRAM bank function. Bank bit i is the parity of
// (offset & Masks[i]).
type BankHash struct {
	Masks []uint64 `json:"masks"`
}

// Of returns the bank of offset.
func (o BankHash) Of(offset uint64) uint64 {
	var b uint64

	for i, mask := range o.Masks {
		b ^= uint64(bits.OnesCount64(offset&mask)&1) << uint(i)
	}

	return b
}

// Samples reports whether any bank bit reads the given address bit.
func (o BankHash) Samples(bit uint) bool {
	for _, mask := range o.Masks {
		if mask&(1<<bit) != 0 {
			return true
		}
	}

	return false
}

// BitPair couples an address bit that arithmetic may change (Sample)
// with a bit that is XORed into the same bank function (Fix). When an
// add or set changes Sample, flipping Fix restores the bank.
type BitPair struct {
	Sample uint `json:"sample"`
	Fix    uint `json:"fix"`
}

// Model bundles the addressing functions of one target.
type Model struct {
	Slice  SliceHash `json:"slice"`
	Set    BitField  `json:"set"`
	Column BitField  `json:"column"`
	Bank   BankHash  `json:"bank"`

	// RowParityBit is the single bit returned by RowParity.
	RowParityBit uint `json:"row_parity_bit"`

	// RowShift is log2 of the distance between two rows of
	// the same bank inside a huge page.
	RowShift uint `json:"row_shift"`

	RowFixups    []BitPair `json:"row_fixups"`
	ColumnFixups []BitPair `json:"column_fixups"`
}

// Clone returns a copy of the model that shares no slices with o.
func (o Model) Clone() Model {
	c := o
	c.Slice.Masks = append([]uint64(nil), o.Slice.Masks...)
	c.Bank.Masks = append([]uint64(nil), o.Bank.Masks...)
	c.RowFixups = append([]BitPair(nil), o.RowFixups...)
	c.ColumnFixups = append([]BitPair(nil), o.ColumnFixups...)
	return c
}

// SliceOf returns the cache slice of a page offset.
func (o Model) SliceOf(pageOffset uint64) uint64 {
	return o.Slice.Of(pageOffset)
}

// SetOf returns the cache set of a page offset.
func (o Model) SetOf(pageOffset uint64) uint64 {
	return o.Set.Of(pageOffset)
}

// ColumnOf returns the DRAM column of a page offset.
func (o Model) ColumnOf(pageOffset uint64) uint64 {
	return o.Column.Of(pageOffset)
}

// BankOf returns the DRAM bank of a page offset.
func (o Model) BankOf(pageOffset uint64) uint64 {
	return o.Bank.Of(pageOffset)
}

// RowParityOf returns the row parity bit of a page offset.
func (o Model) RowParityOf(pageOffset uint64) uint64 {
	return (pageOffset >> o.RowParityBit) & 1
}

// Validate checks that the masks are self consistent.
func (o Model) Validate() error {
	if len(o.Slice.Masks) == 0 {
		return errors.New("slice hash has no masks")
	}

	if len(o.Bank.Masks) == 0 {
		return errors.New("bank hash has no masks")
	}

	err := o.Set.validate()
	if err != nil {
		return fmt.Errorf("invalid set field - %w", err)
	}

	err = o.Column.validate()
	if err != nil {
		return fmt.Errorf("invalid column field - %w", err)
	}

	for _, pair := range o.RowFixups {
		if pair.Fix >= o.RowShift {
			return fmt.Errorf("row fixup bit %d is not below the row shift %d", pair.Fix, o.RowShift)
		}
	}

	for _, pair := range o.ColumnFixups {
		if o.Column.Mask&(1<<pair.Sample) == 0 {
			return fmt.Errorf("column fixup samples bit %d outside the column field", pair.Sample)
		}

		if o.Column.Mask&(1<<pair.Fix) != 0 {
			return fmt.Errorf("column fixup flips bit %d inside the column field", pair.Fix)
		}
	}

	return nil
}

// rebalance flips each pair's Fix bit in after when its Sample
// bit differs from before.
func rebalance(before uint64, after uint64, pairs []BitPair) uint64 {
	for _, pair := range pairs {
		if (before>>pair.Sample)&1 != (after>>pair.Sample)&1 {
			after ^= 1 << pair.Fix
		}
	}

	return after
}
