// Package rules evaluates boards for two-symbol line games such as
// tic-tac-toe. Evaluation is pure: it never mutates the board and never fails.
package rules

// Cell is the state of one board position.
type Cell string

const (
	Empty Cell = ""
	X     Cell = "X"
	O     Cell = "O"
)

// Board is a fixed-length ordered sequence of cells.
type Board []Cell

// Clone returns an independent copy of b.
func (b Board) Clone() Board {
	if b == nil {
		return nil
	}

	out := make(Board, len(b))
	copy(out, b)

	return out
}

// Full reports whether no cell is empty.
func (b Board) Full() bool {
	for _, c := range b {
		if c == Empty {
			return false
		}
	}

	return true
}

// Count returns how many cells hold symbol.
func (b Board) Count(symbol Cell) int {
	n := 0
	for _, c := range b {
		if c == symbol {
			n++
		}
	}

	return n
}

type Outcome int

const (
	Ongoing Outcome = iota
	Won
	Draw
)

func (o Outcome) String() string {
	switch o {
	case Won:
		return "won"
	case Draw:
		return "draw"
	default:
		return "ongoing"
	}
}

// Result is what Evaluate found. Line and Symbol are only set when Outcome is Won.
type Result struct {
	Outcome Outcome
	Line    []int
	Symbol  Cell
}

// Layout describes a board size and the lines that win it.
type Layout struct {
	Size  int
	Lines [][]int
}

// Grid builds the n×n layout: every row, every column and both diagonals.
func Grid(n int) Layout {
	if n < 1 {
		return Layout{}
	}

	lines := make([][]int, 0, 2*n+2)

	for r := 0; r < n; r++ {
		row := make([]int, n)
		for c := 0; c < n; c++ {
			row[c] = r*n + c
		}
		lines = append(lines, row)
	}

	for c := 0; c < n; c++ {
		col := make([]int, n)
		for r := 0; r < n; r++ {
			col[r] = r*n + c
		}
		lines = append(lines, col)
	}

	diag := make([]int, n)
	anti := make([]int, n)
	for i := 0; i < n; i++ {
		diag[i] = i*n + i
		anti[i] = i*n + (n - 1 - i)
	}
	lines = append(lines, diag, anti)

	return Layout{Size: n * n, Lines: lines}
}

// TicTacToe is the classic 3×3 layout with its 8 lines.
var TicTacToe = Grid(3)

// NewBoard returns an all-empty board sized for the layout.
func (l Layout) NewBoard() Board {
	return make(Board, l.Size)
}

// Evaluate returns Won with the first homogeneous non-empty line, otherwise
// Draw once the board has no empty cell, otherwise Ongoing.
func (l Layout) Evaluate(b Board) Result {
	for _, line := range l.Lines {
		if symbol, ok := homogeneous(b, line); ok {
			return Result{
				Outcome: Won,
				Line:    append([]int(nil), line...),
				Symbol:  symbol,
			}
		}
	}

	if b.Full() {
		return Result{Outcome: Draw}
	}

	return Result{Outcome: Ongoing}
}

func homogeneous(b Board, line []int) (Cell, bool) {
	if len(line) == 0 {
		return Empty, false
	}

	var first Cell
	for i, idx := range line {
		if idx < 0 || idx >= len(b) {
			return Empty, false
		}

		c := b[idx]
		if c == Empty {
			return Empty, false
		}

		if i == 0 {
			first = c
			continue
		}

		if c != first {
			return Empty, false
		}
	}

	return first, true
}

// Role is a participant's seat in a session.
type Role int

const (
	First Role = iota
	Second
)

// Symbols maps each role to the cell it places.
type Symbols map[Role]Cell

// Classic is player one as X, player two as O.
var Classic = Symbols{First: X, Second: O}

// Of returns the symbol for r, or Empty if the role is unmapped.
func (s Symbols) Of(r Role) Cell {
	return s[r]
}
