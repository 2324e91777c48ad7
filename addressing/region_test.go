package addressing

import (
	"math/rand"
	"testing"
)

func testRegion() Region {
	return Region{
		Model:         testModel(),
		Size:          64 << 20,
		HugePageSize:  testHugePageSize,
		FirstHugePage: 1 << 20,
		HugePages:     30,
	}
}

func TestRegion_Validate(t *testing.T) {
	r := testRegion()
	err := r.Validate()
	if err != nil {
		t.Fatal(err)
	}

	r.HugePages = 32
	if r.Validate() == nil {
		t.Fatalf("expected huge pages past the end of the arena to fail")
	}

	r = testRegion()
	r.HugePageSize = 3 << 20
	if r.Validate() == nil {
		t.Fatalf("expected a non power of two huge page size to fail")
	}
}

func TestRegion_PageOffsetRoundTrip(t *testing.T) {
	r := testRegion()

	for h := 0; h < r.HugePages; h++ {
		for _, po := range []uint64{0, 64, 0x12345, testHugePageSize - 1} {
			i := r.BufferOffset(po, h)
			if r.PageOffset(i) != po {
				t.Fatalf("page %d: expected page offset 0x%x - got 0x%x", h, po, r.PageOffset(i))
			}
		}
	}

	registry := r.Registry()
	if len(registry) != r.HugePages {
		t.Fatalf("expected %d registry entries - got %d", r.HugePages, len(registry))
	}

	if registry[3] != 1<<20+3*testHugePageSize {
		t.Fatalf("expected huge page 3 at %d - got %d", 1<<20+3*testHugePageSize, registry[3])
	}
}

func TestRegion_RowAddPreservesBank(t *testing.T) {
	r := testRegion()
	rng := rand.New(rand.NewSource(2))

	for n := 0; n < 100000; n++ {
		a := r.FirstHugePage + rng.Intn(r.HugePages*r.HugePageSize)

		for _, x := range []int{-1, 1} {
			b := r.RowAdd(a, x)
			if r.Bank(b) != r.Bank(a) {
				t.Fatalf("%d: row %+d changed bank %d -> %d", a, x, r.Bank(a), r.Bank(b))
			}

			if r.Row(b)-r.Row(a) != x {
				t.Fatalf("%d: expected row %d - got %d", a, r.Row(a)+x, r.Row(b))
			}

			if r.Column(b) != r.Column(a) {
				t.Fatalf("%d: row %+d changed the column", a, x)
			}
		}
	}
}

func TestRegion_RowAddAcrossCarry(t *testing.T) {
	r := testRegion()

	// Row bits 17..19 all set: adding a row carries into bit 20.
	a := r.BufferOffset(0x0e0000|0x2468, 4)
	b := r.RowAdd(a, 1)

	if r.Bank(a) != r.Bank(b) {
		t.Fatalf("expected bank %d after carry - got %d", r.Bank(a), r.Bank(b))
	}

	naive := a + 1<<17
	if r.Bank(naive) == r.Bank(a) {
		t.Fatalf("expected naive addition to disturb the bank in this case")
	}

	// Row zero of a huge page: subtracting a row borrows across the
	// huge page boundary.
	a = r.BufferOffset(0x2468, 4)
	b = r.RowAdd(a, -1)
	if r.Bank(a) != r.Bank(b) {
		t.Fatalf("expected bank %d after borrow - got %d", r.Bank(a), r.Bank(b))
	}

	if r.Row(b) != r.Row(a)-1 {
		t.Fatalf("expected row %d - got %d", r.Row(a)-1, r.Row(b))
	}
}

func TestRegion_ColumnAddPreservesBankAndAdjacency(t *testing.T) {
	r := testRegion()
	rng := rand.New(rand.NewSource(3))

	for n := 0; n < 100000; n++ {
		a := r.FirstHugePage + rng.Intn(r.HugePages*r.HugePageSize)

		next := r.ColumnAdd(a, 1)
		if !r.ColumnsAdjacent(next, a) {
			t.Fatalf("%d: column %d is not followed by %d", a, r.Column(a), r.Column(next))
		}

		for _, x := range []int{-1, 1} {
			b := r.ColumnAdd(a, x)
			if r.Bank(b) != r.Bank(a) {
				t.Fatalf("%d: column %+d changed bank %d -> %d", a, x, r.Bank(a), r.Bank(b))
			}

			if r.Row(b) != r.Row(a) {
				t.Fatalf("%d: column %+d changed the row", a, x)
			}
		}
	}
}

func TestRegion_ColumnAddWraps(t *testing.T) {
	r := testRegion()

	a := r.BufferOffset(0x1ff8, 2)
	if r.Column(a) != 1023 {
		t.Fatalf("expected column 1023 - got %d", r.Column(a))
	}

	b := r.ColumnAdd(a, 1)
	if r.Column(b) != 0 {
		t.Fatalf("expected column to wrap to 0 - got %d", r.Column(b))
	}

	if r.Bank(a) != r.Bank(b) || r.Row(a) != r.Row(b) {
		t.Fatalf("expected wrap to stay in the same bank and row")
	}
}

func TestRegion_ColumnSet(t *testing.T) {
	r := testRegion()
	rng := rand.New(rand.NewSource(4))

	for n := 0; n < 10000; n++ {
		a := r.FirstHugePage + rng.Intn(r.HugePages*r.HugePageSize)
		c := uint64(rng.Intn(1024))

		b := r.ColumnSet(a, c)
		if r.Column(b) != c {
			t.Fatalf("%d: expected column %d - got %d", a, c, r.Column(b))
		}

		if r.Bank(b) != r.Bank(a) {
			t.Fatalf("%d: column set changed bank %d -> %d", a, r.Bank(a), r.Bank(b))
		}
	}
}

func TestRegion_SameSlice(t *testing.T) {
	r := testRegion()

	offsets := r.SameSlice(5, 0)
	if len(offsets) != 4 {
		t.Fatalf("expected 4 offsets - got %d", len(offsets))
	}

	exp := []uint64{0, 0xb0000, 0x120000, 0x190000}
	for k, i := range offsets {
		if r.PageOffset(i) != exp[k] {
			t.Fatalf("expected page offset 0x%x - got 0x%x", exp[k], r.PageOffset(i))
		}

		if i < r.HugePage(5) || i >= r.HugePage(6) {
			t.Fatalf("offset %d is outside huge page 5", i)
		}
	}

	for slice := uint64(0); slice < 8; slice++ {
		for _, i := range r.SameSliceParity(7, slice, 0) {
			if r.Slice(i) != slice || r.RowParity(i) != 0 {
				t.Fatalf("%d: expected slice %d with parity 0 - got slice %d parity %d",
					i, slice, r.Slice(i), r.RowParity(i))
			}
		}
	}
}

func TestRegion_SameBank(t *testing.T) {
	r := testRegion()

	a := r.BufferOffset(0x12345, 1)
	if !r.SameBank(a, r.RowAdd(a, 1), r.ColumnAdd(a, 7)) {
		t.Fatalf("expected neighbours to share a bank")
	}

	if r.SameBank(a, a^0x2000) {
		t.Fatalf("expected flipping bit 13 to change the bank")
	}
}
