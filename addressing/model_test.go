package addressing

import (
	"math/rand"
	"testing"
)

const testHugePageSize = 2 << 20

func testModel() Model {
	return Model{
		Slice: SliceHash{
			Shift: 16,
			Masks: []uint64{0x5, 0x3, 0x1, 0x6, 0x3},
		},
		Set:    BitField{Mask: 0xffc0, Shift: 6},
		Column: BitField{Mask: 0x1ff8, Shift: 3},
		Bank: BankHash{
			Masks: []uint64{0x2040, 0x24000, 0x48000, 0x90000},
		},
		RowParityBit: 18,
		RowShift:     17,
		RowFixups: []BitPair{
			{Sample: 17, Fix: 14},
			{Sample: 18, Fix: 15},
			{Sample: 19, Fix: 16},
		},
		ColumnFixups: []BitPair{
			{Sample: 6, Fix: 13},
		},
	}
}

func TestModel_KnownOffsets(t *testing.T) {
	m := testModel()

	type expected struct {
		offset    uint64
		slice     uint64
		set       uint64
		column    uint64
		bank      uint64
		rowParity uint64
	}

	for _, exp := range []expected{
		{offset: 0x0},
		{offset: 0x12345, slice: 5, set: 141, column: 104, bank: 8},
		{offset: 0x1f4c8, slice: 5, set: 979, column: 665, bank: 14},
		{offset: 0x7a3c0, slice: 7, set: 655, column: 120, bank: 10, rowParity: 1},
		{offset: 0x150000, slice: 7, bank: 12, rowParity: 1},
	} {
		if v := m.SliceOf(exp.offset); v != exp.slice {
			t.Fatalf("0x%x: expected slice %d - got %d", exp.offset, exp.slice, v)
		}
		if v := m.SetOf(exp.offset); v != exp.set {
			t.Fatalf("0x%x: expected set %d - got %d", exp.offset, exp.set, v)
		}
		if v := m.ColumnOf(exp.offset); v != exp.column {
			t.Fatalf("0x%x: expected column %d - got %d", exp.offset, exp.column, v)
		}
		if v := m.BankOf(exp.offset); v != exp.bank {
			t.Fatalf("0x%x: expected bank %d - got %d", exp.offset, exp.bank, v)
		}
		if v := m.RowParityOf(exp.offset); v != exp.rowParity {
			t.Fatalf("0x%x: expected row parity %d - got %d", exp.offset, exp.rowParity, v)
		}
	}
}

func TestModel_PureAndTotal(t *testing.T) {
	m := testModel()

	numSlices := uint64(8)
	numBanks := uint64(1) << len(m.Bank.Masks)

	for po := uint64(0); po < testHugePageSize; po += 61 {
		s := m.SliceOf(po)
		if s >= numSlices || s != m.SliceOf(po) {
			t.Fatalf("0x%x: slice %d is out of range or unstable", po, s)
		}

		b := m.BankOf(po)
		if b >= numBanks || b != m.BankOf(po) {
			t.Fatalf("0x%x: bank %d is out of range or unstable", po, b)
		}

		if c := m.ColumnOf(po); c >= m.Column.Values() || c != m.ColumnOf(po) {
			t.Fatalf("0x%x: column %d is out of range or unstable", po, c)
		}

		if st := m.SetOf(po); st >= m.Set.Values() || st != m.SetOf(po) {
			t.Fatalf("0x%x: set %d is out of range or unstable", po, st)
		}

		if p := m.RowParityOf(po); p > 1 {
			t.Fatalf("0x%x: row parity %d is not a bit", po, p)
		}
	}
}

func TestModel_SliceEvenlySpread(t *testing.T) {
	m := testModel()

	counts := make(map[uint64]int)
	for po := uint64(0); po < testHugePageSize; po += m.Slice.Stride() {
		counts[m.SliceOf(po)]++
	}

	if len(counts) != 8 {
		t.Fatalf("expected 8 slices - got %d", len(counts))
	}

	for slice, n := range counts {
		if n != 4 {
			t.Fatalf("expected 4 offsets in slice %d - got %d", slice, n)
		}
	}
}

func TestModel_Validate(t *testing.T) {
	err := testModel().Validate()
	if err != nil {
		t.Fatal(err)
	}

	m := testModel()
	m.Column = BitField{Mask: 0x1ef8, Shift: 3}
	if m.Validate() == nil {
		t.Fatalf("expected non-contiguous column mask to fail")
	}

	m = testModel()
	m.ColumnFixups = []BitPair{{Sample: 6, Fix: 7}}
	if m.Validate() == nil {
		t.Fatalf("expected a column fixup inside the column field to fail")
	}

	m = testModel()
	m.Bank.Masks = nil
	if m.Validate() == nil {
		t.Fatalf("expected empty bank hash to fail")
	}
}

func TestBitField_Put(t *testing.T) {
	f := BitField{Mask: 0x1ff8, Shift: 3}

	res := f.Put(0xffffffff, 0)
	exp := uint64(0xffffffff &^ 0x1ff8)
	if res != exp {
		t.Fatalf("expected 0x%x - got 0x%x", exp, res)
	}

	res = f.Put(0, 1024)
	if res != 0 {
		t.Fatalf("expected a value wider than the field to be truncated - got 0x%x", res)
	}
}

func TestRebalance_MatchesShiftedXor(t *testing.T) {
	m := testModel()
	rng := rand.New(rand.NewSource(1))

	for n := 0; n < 10000; n++ {
		before := uint64(rng.Int63n(testHugePageSize))
		after := before + 1<<17

		exp := after ^ ((((after >> 17) & 0x7) ^ ((before >> 17) & 0x7)) << 14)
		res := rebalance(before, after, m.RowFixups)
		if res != exp {
			t.Fatalf("0x%x: expected 0x%x - got 0x%x", before, exp, res)
		}
	}
}
