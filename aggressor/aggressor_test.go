package aggressor

import (
	"errors"
	"math/rand"
	"testing"

	"gitlab.com/stephen-fox/smashkit/addressing"
	"gitlab.com/stephen-fox/smashkit/evset"
	"gitlab.com/stephen-fox/smashkit/invariant"
)

const testHugePageSize = 2 << 20

func testRegion(hugePages int) addressing.Region {
	return addressing.Region{
		Model: addressing.Model{
			Slice: addressing.SliceHash{
				Shift: 16,
				Masks: []uint64{0x5, 0x3, 0x1, 0x6, 0x3},
			},
			Set:    addressing.BitField{Mask: 0xffc0, Shift: 6},
			Column: addressing.BitField{Mask: 0x1ff8, Shift: 3},
			Bank: addressing.BankHash{
				Masks: []uint64{0x2040, 0x24000, 0x48000, 0x90000},
			},
			RowParityBit: 18,
			RowShift:     17,
			RowFixups: []addressing.BitPair{
				{Sample: 17, Fix: 14},
				{Sample: 18, Fix: 15},
				{Sample: 19, Fix: 16},
			},
			ColumnFixups: []addressing.BitPair{
				{Sample: 6, Fix: 13},
			},
		},
		Size:          1<<20 + hugePages*testHugePageSize + 1<<20,
		HugePageSize:  testHugePageSize,
		FirstHugePage: 1 << 20,
		HugePages:     hugePages,
	}
}

func testBuildConfig() Config {
	return Config{
		Parity:       0,
		ExtraBits:    1 << 7,
		StandardBits: 1<<15 ^ 1<<18 ^ 1<<10 ^ 1<<11,
	}
}

func TestBuild(t *testing.T) {
	region := testRegion(4)

	colors := evset.Colors{0, evset.Unclassified, 5, 3}

	aggressors, err := Build(region, colors, testBuildConfig())
	if err != nil {
		t.Fatal(err)
	}

	if len(aggressors) == 0 || len(aggressors)%2 != 0 {
		t.Fatalf("expected a non-empty even number of aggressors - got %d", len(aggressors))
	}

	for i := 0; i < len(aggressors); i += 2 {
		first := aggressors[i]
		second := aggressors[i+1]

		h := (first - region.FirstHugePage) / testHugePageSize
		if h == 1 {
			t.Fatalf("aggressor %d comes from the unclassified page", first)
		}

		if region.Slice(first) != uint64(colors[h]) {
			t.Fatalf("aggressor %d: expected slice %d - got %d", first, colors[h], region.Slice(first))
		}

		if region.RowParity(first) != 0 {
			t.Fatalf("aggressor %d: expected row parity 0", first)
		}

		if region.Set(first) == 0 {
			t.Fatalf("aggressor %d is in cache set zero", first)
		}

		if !region.SameBank(first, second) {
			t.Fatalf("pair (%d, %d) spans banks %d and %d",
				first, second, region.Bank(first), region.Bank(second))
		}

		if region.Row(second)-region.Row(first) != 2 {
			t.Fatalf("pair (%d, %d): expected rows two apart - got %d and %d",
				first, second, region.Row(first), region.Row(second))
		}
	}
}

func TestBuild_NothingClassified(t *testing.T) {
	region := testRegion(2)

	_, err := Build(region, evset.Colors{evset.Unclassified, evset.Unclassified}, testBuildConfig())
	if !invariant.Is(err) {
		t.Fatalf("expected an invariant violation - got %v", err)
	}
}

func TestFilterBank(t *testing.T) {
	region := testRegion(4)

	aggressors, err := Build(region, evset.Colors{0, 1, 2, 3}, testBuildConfig())
	if err != nil {
		t.Fatal(err)
	}

	total := 0
	for bank := uint64(0); bank < 16; bank++ {
		single := FilterBank(region, aggressors, bank)
		for _, a := range single {
			if region.Bank(a) != bank {
				t.Fatalf("aggressor %d: expected bank %d - got %d", a, bank, region.Bank(a))
			}
		}
		total += len(single)
	}

	if total != len(aggressors) {
		t.Fatalf("expected the banks to partition %d aggressors - got %d", len(aggressors), total)
	}
}

func TestSelect(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	selection, err := Select(rng, 6, 40, 9, 10)
	if err != nil {
		t.Fatal(err)
	}

	if len(selection) != 38 {
		t.Fatalf("expected 38 indices - got %d", len(selection))
	}

	if selection[0] != 6 || selection[1] != 7 {
		t.Fatalf("expected the first pair to be (6, 7) - got (%d, %d)", selection[0], selection[1])
	}

	seen := make(map[int]struct{})
	for i := 0; i < len(selection); i += 2 {
		if selection[i]%2 != 0 || selection[i+1] != selection[i]+1 {
			t.Fatalf("pair %d is not aligned: (%d, %d)", i/2, selection[i], selection[i+1])
		}

		if selection[i+1] >= 40 {
			t.Fatalf("index %d is out of range", selection[i+1])
		}

		_, hasIt := seen[selection[i]]
		if hasIt {
			t.Fatalf("pair starting at %d was picked twice", selection[i])
		}
		seen[selection[i]] = struct{}{}
	}
}

func TestSelect_PoolTooSmall(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	_, err := Select(rng, 0, 20, 9, 10)
	if !errors.Is(err, ErrPoolTooSmall) {
		t.Fatalf("expected ErrPoolTooSmall - got %v", err)
	}

	_, err = Select(rng, 3, 80, 9, 10)
	if !invariant.Is(err) {
		t.Fatalf("expected an odd pair index to be an invariant violation - got %v", err)
	}
}
