package match

// The rule engine is a fixed win-pattern check over 9 cells. Cells hold "X",
// "O" or "".

const boardSize = 9

var winLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8}, // rows
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8}, // columns
	{0, 4, 8}, {2, 4, 6}, // diagonals
}

// Outcome of evaluating a board.
type Outcome int

const (
	OutcomeOngoing Outcome = iota
	OutcomeWin
	OutcomeDraw
)

// EmptyBoard returns a fresh 9-cell board.
func EmptyBoard() []string { return make([]string, boardSize) }

// Evaluate returns the board outcome and, on a win, the winning mark.
func Evaluate(board []string) (Outcome, string) {
	for _, line := range winLines {
		mark := board[line[0]]
		if mark != "" && mark == board[line[1]] && mark == board[line[2]] {
			return OutcomeWin, mark
		}
	}
	for _, cell := range board {
		if cell == "" {
			return OutcomeOngoing, ""
		}
	}
	return OutcomeDraw, ""
}

// ValidPosition reports whether pos addresses a board cell.
func ValidPosition(pos int) bool { return pos >= 0 && pos < boardSize }
