package aggressor

import (
	"errors"
	"fmt"
	"math/rand"

	"gitlab.com/stephen-fox/smashkit/addressing"
	"gitlab.com/stephen-fox/smashkit/invariant"
)

// ErrOutOfArena is returned when a victim or aggressor row of a layout
// would fall outside the arena. Only that window is affected.
var ErrOutOfArena = errors.New("layout address falls outside the arena")

// LayoutConfig controls NewLayout.
type LayoutConfig struct {
	// Pairs is the number of aggressor pairs (from the front of
	// the selection) whose neighbourhood is laid out.
	Pairs int

	// Columns is the number of columns each row is swept across.
	Columns int

	// BusWidth is the number of bytes written and checked per
	// address.
	BusWidth int

	// Checks is the number of random (victim, victim, aggressor)
	// triples tested for bank membership.
	Checks int
}

// Layout is the victim and aggressor memory of one hammering attempt.
//
// For every pair (low, high) the victims are the rows just below low,
// just above low (between the two aggressors) and just above high.
// Victim bytes hold Pattern and aggressor bytes hold its complement.
type Layout struct {
	Pattern    byte
	BusWidth   int
	Victims    []int
	Aggressors []int
}

// NewLayoutOrExit calls NewLayout and calls DefaultExitFn if an
// error occurs.
func NewLayoutOrExit(rng *rand.Rand, region addressing.Region, mem []byte, selection []int,
	aggressors []int, pattern byte, cfg LayoutConfig) *Layout {
	l, err := NewLayout(rng, region, mem, selection, aggressors, pattern, cfg)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to create victim layout - %w", err))
	}
	return l
}

// NewLayout builds the layout for the first cfg.Pairs pairs of selection
// (indices into aggressors) and initializes its memory.
//
// Broken adjacency or bank membership is an invariant violation.
// A window that leaves the arena returns ErrOutOfArena before anything
// is written.
func NewLayout(rng *rand.Rand, region addressing.Region, mem []byte, selection []int,
	aggressors []int, pattern byte, cfg LayoutConfig) (*Layout, error) {
	if len(selection) < 2*cfg.Pairs {
		return nil, invariant.Violation("selection of %d aggressors cannot supply %d pairs",
			len(selection), cfg.Pairs)
	}

	if cfg.Columns <= 0 || cfg.BusWidth <= 0 {
		return nil, invariant.Violation("columns (%d) and bus width (%d) must be greater than zero",
			cfg.Columns, cfg.BusWidth)
	}

	l := &Layout{
		Pattern:    pattern,
		BusWidth:   cfg.BusWidth,
		Victims:    make([]int, 0, cfg.Pairs*3*cfg.Columns),
		Aggressors: make([]int, 0, cfg.Pairs*2*cfg.Columns),
	}

	for k := 0; k < 2*cfg.Pairs; k += 2 {
		low := aggressors[selection[k]]
		high := aggressors[selection[k+1]]

		// Low aggressor first, high aggressor second.
		err := l.sweep(region, &l.Victims, cfg.Columns,
			region.ColumnSet(region.RowAdd(low, -1), 0),
			region.ColumnSet(region.RowAdd(low, 1), 0),
			region.ColumnSet(region.RowAdd(high, 1), 0))
		if err != nil {
			return nil, err
		}

		err = l.sweep(region, &l.Aggressors, cfg.Columns,
			region.ColumnSet(low, 0),
			region.ColumnSet(high, 0))
		if err != nil {
			return nil, err
		}
	}

	if len(l.Victims) != cfg.Pairs*3*cfg.Columns {
		return nil, invariant.Violation("expected %d victims - got %d",
			cfg.Pairs*3*cfg.Columns, len(l.Victims))
	}

	if len(l.Aggressors) != cfg.Pairs*2*cfg.Columns {
		return nil, invariant.Violation("expected %d aggressors - got %d",
			cfg.Pairs*2*cfg.Columns, len(l.Aggressors))
	}

	for _, addrs := range [][]int{l.Victims, l.Aggressors} {
		for _, a := range addrs {
			if !region.Contains(a) || !region.Contains(a+cfg.BusWidth-1) || a+cfg.BusWidth > len(mem) {
				return nil, fmt.Errorf("address %d (row %d) - %w", a, region.Row(a), ErrOutOfArena)
			}
		}
	}

	l.fill(mem)

	for n := 0; n < cfg.Checks; n++ {
		a := l.Victims[rng.Intn(len(l.Victims))]
		b := l.Victims[rng.Intn(len(l.Victims))]
		c := l.Aggressors[rng.Intn(len(l.Aggressors))]

		if !region.SameBank(a, b, c) {
			return nil, invariant.Violation("victims %d, %d and aggressor %d are in banks %d, %d and %d",
				a, b, c, region.Bank(a), region.Bank(b), region.Bank(c))
		}
	}

	return l, nil
}

// sweep appends the column-zero rows, then steps every row one column
// at a time until each covers columns addresses. Rows are interleaved:
// the entry len(rows) positions back is always the previous column of
// the same row.
func (o *Layout) sweep(region addressing.Region, dst *[]int, columns int, rows ...int) error {
	start := len(*dst)
	*dst = append(*dst, rows...)

	stride := len(rows)
	for i := start + stride; i < start+stride*columns; i++ {
		prev := (*dst)[i-stride]
		next := region.ColumnAdd(prev, 1)

		if !region.ColumnsAdjacent(next, prev) {
			return invariant.Violation("column %d at %d does not follow column %d at %d",
				region.Column(next), next, region.Column(prev), prev)
		}

		*dst = append(*dst, next)
	}

	return nil
}

func (o *Layout) fill(mem []byte) {
	for _, v := range o.Victims {
		for b := 0; b < o.BusWidth; b++ {
			mem[v+b] = o.Pattern
		}
	}

	for _, a := range o.Aggressors {
		for b := 0; b < o.BusWidth; b++ {
			mem[a+b] = ^o.Pattern
		}
	}
}
