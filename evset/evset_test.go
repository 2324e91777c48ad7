package evset

import (
	"errors"
	"testing"
	"time"

	"gitlab.com/stephen-fox/smashkit/addressing"
)

const (
	testHugePageSize = 2 << 20
	high             = 90 * time.Millisecond
	low              = 10 * time.Millisecond
)

// fourSliceRegion uses a linear 2-bit slice hash so that every slice
// has 8 offsets per huge page.
func fourSliceRegion(hugePages int) addressing.Region {
	return addressing.Region{
		Model: addressing.Model{
			Slice: addressing.SliceHash{
				Shift: 16,
				Masks: []uint64{0x1, 0x2, 0x3, 0x1, 0x2},
			},
			Set:    addressing.BitField{Mask: 0xffc0, Shift: 6},
			Column: addressing.BitField{Mask: 0x1ff8, Shift: 3},
			Bank: addressing.BankHash{
				Masks: []uint64{0x2040, 0x24000, 0x48000, 0x90000},
			},
			RowParityBit: 18,
			RowShift:     17,
		},
		Size:          (hugePages + 1) * testHugePageSize,
		HugePageSize:  testHugePageSize,
		FirstHugePage: testHugePageSize / 2,
		HugePages:     hugePages,
	}
}

// plantedMeasurer is slow only when every member of the set lies in the
// slice its huge page is planted with.
type plantedMeasurer struct {
	region addressing.Region
	truth  []int
	calls  int
}

func (o *plantedMeasurer) ReliableMeasure(set []int) (time.Duration, error) {
	o.calls++

	for _, i := range set {
		page := (i - o.region.FirstHugePage) / o.region.HugePageSize
		if o.truth[page] < 0 || int(o.region.Slice(i)) != o.truth[page] {
			// A little drift so that "not slow" is not constant.
			return low + time.Duration(o.calls%3)*time.Millisecond, nil
		}
	}

	return high, nil
}

func testConfig(region addressing.Region, seedPages int) Config {
	return Config{
		Region:    region,
		Slices:    4,
		SeedPages: seedPages,
		Factor:    3,
		Epsilon:   2 * time.Millisecond,
	}
}

func TestDigit(t *testing.T) {
	// 14 = 2 + 3*4
	if d := Digit(14, 0, 4); d != 2 {
		t.Fatalf("expected digit 2 - got %d", d)
	}

	if d := Digit(14, 1, 4); d != 3 {
		t.Fatalf("expected digit 3 - got %d", d)
	}

	// Same as the shift-and-mask form for 8 slices.
	for p := 0; p < 8*8*8; p++ {
		for h := 0; h < 3; h++ {
			if Digit(p, h, 8) != (p>>(3*h))&0x7 {
				t.Fatalf("permutation %d page %d: digits disagree", p, h)
			}
		}
	}
}

func TestFindFirst_FindsPlantedCombination(t *testing.T) {
	region := fourSliceRegion(4)
	measurer := &plantedMeasurer{
		region: region,
		truth:  []int{2, 3, 0, 1},
	}

	set, err := FindFirst(testConfig(region, 2), measurer)
	if err != nil {
		t.Fatal(err)
	}

	if set.Permutation != 14 {
		t.Fatalf("expected permutation 14 - got %d", set.Permutation)
	}

	if measurer.calls != 15 {
		t.Fatalf("expected the search to stop at the first slow candidate - got %d measurements",
			measurer.calls)
	}

	if len(set.Offsets) != 16 {
		t.Fatalf("expected 16 members (associativity) - got %d", len(set.Offsets))
	}

	for h := 0; h < 2; h++ {
		for _, i := range set.pageSlot(h) {
			if int(region.Slice(i)) != measurer.truth[h] {
				t.Fatalf("page %d: expected slice %d - got %d", h, measurer.truth[h], region.Slice(i))
			}
		}
	}

	if set.Latency != high {
		t.Fatalf("expected latency %s - got %s", high, set.Latency)
	}
}

func TestFindFirst_PlantedIsUnique(t *testing.T) {
	region := fourSliceRegion(2)
	measurer := &plantedMeasurer{
		region: region,
		truth:  []int{2, 3},
	}

	slow := 0
	for p := 0; p < 16; p++ {
		var offsets []int
		for h := 0; h < 2; h++ {
			offsets = append(offsets, region.SameSlice(h, uint64(Digit(p, h, 4)))...)
		}

		median, _ := measurer.ReliableMeasure(offsets)
		if float64(median) > 3*float64(low+2*time.Millisecond) {
			slow++
		}
	}

	if slow != 1 {
		t.Fatalf("expected exactly one slow combination - got %d", slow)
	}
}

func TestFindFirst_NotFound(t *testing.T) {
	region := fourSliceRegion(2)
	measurer := &plantedMeasurer{
		region: region,
		truth:  []int{-1, -1},
	}

	_, err := FindFirst(testConfig(region, 2), measurer)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound - got %v", err)
	}

	if measurer.calls != 16 {
		t.Fatalf("expected the whole search space to be tried - got %d measurements", measurer.calls)
	}
}

func TestFindFirst_InvalidConfig(t *testing.T) {
	cfg := testConfig(fourSliceRegion(2), 3)

	_, err := FindFirst(cfg, &plantedMeasurer{})
	if err == nil {
		t.Fatalf("expected more seed pages than huge pages to fail")
	}
}
