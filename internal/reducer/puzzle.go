package reducer

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEmptyGrid is returned by BuildInitialState when the solution grid
// has zero rows or a zero-width row (spec.md §4.4 create: EMPTY_GRID).
var ErrEmptyGrid = errors.New("EMPTY_GRID")

// CellStyle is the optional styling payload on a puzzle-grid cell
// (spec.md §3 Puzzle.puzzle[r][c]).
type CellStyle struct {
	ShapeBG string `json:"shapebg,omitempty"`
	FillBG  string `json:"fillbg,omitempty"`
}

// PuzzleCell is one entry of the `puzzle` grid: either a bare number, the
// literal "#", or {cell, style}. decodePuzzleCell below does the decoding.
type PuzzleCell struct {
	IsBlack bool
	Number  int
	Style   CellStyle
}

// rawClueObject covers the `{number, clue}` clue shape.
type rawClueObject struct {
	Number json.RawMessage `json:"number"`
	Clue   json.RawMessage `json:"clue"`
}

// Puzzle is the input artifact consumed once at game creation
// (spec.md §3 Puzzle).
type Puzzle struct {
	Info json.RawMessage `json:"info"`
	// RawGrid holds per-cell numbering/style info parallel to Solution,
	// decoded from the three legacy shapes documented in §9. The wire
	// format (spec.md §6.3 create event) names this field "grid" inside
	// the create event's `game` object.
	RawGrid  json.RawMessage `json:"grid"`
	Solution []json.RawMessage `json:"solution"`
	Clues    RawClues        `json:"clues"`
	Circles  json.RawMessage `json:"circles,omitempty"`
	Shades   json.RawMessage `json:"shades,omitempty"`
	Chat     json.RawMessage `json:"chat,omitempty"`
	Clock    json.RawMessage `json:"clock,omitempty"`
	Contest  bool            `json:"contest,omitempty"`
}

// PuzzleCellRow is one row of the `puzzle` grid.
type PuzzleCellRow []PuzzleCell

// RawClues holds the across and down clue lists undecoded. Each list is
// a JSON array, dense or sparse, whose elements are `[number, text]`
// pairs or `{number, clue}` objects (see normalizeClueList).
type RawClues struct {
	Across json.RawMessage `json:"across"`
	Down   json.RawMessage `json:"down"`
}

// solutionLetter decodes one solution cell: a letter, or one of
// `.`/`#`/null meaning black (spec.md §3 Puzzle.solution invariants).
func solutionLetter(raw json.RawMessage) (letter string, black bool, err error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", true, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false, fmt.Errorf("invalid solution cell: %w", err)
	}
	if s == "." || s == "#" {
		return "", true, nil
	}
	return s, false, nil
}

// decodePuzzleCell decodes one `puzzle` grid cell into the three legacy
// shapes: a bare number, the literal "#", or {cell, style}.
func decodePuzzleCell(raw json.RawMessage) (PuzzleCell, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return PuzzleCell{}, nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString == "#" {
			return PuzzleCell{IsBlack: true}, nil
		}
		return PuzzleCell{}, fmt.Errorf("unrecognized puzzle cell string %q", asString)
	}

	var asNumber float64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return PuzzleCell{Number: int(asNumber)}, nil
	}

	var asObject struct {
		Cell  float64   `json:"cell"`
		Style CellStyle `json:"style"`
	}
	if err := json.Unmarshal(raw, &asObject); err == nil {
		return PuzzleCell{Number: int(asObject.Cell), Style: asObject.Style}, nil
	}

	// Null / empty cell: no number, not black (black comes from the
	// solution grid, not the puzzle grid).
	return PuzzleCell{}, nil
}

// decodeClueNumber handles the legacy bug fix in spec.md §4.4/§9: when a
// `{number, clue}` object's `number` field is non-numeric but `clue` is
// numeric, the two are swapped.
func decodeClueNumber(raw rawClueObject) (number int, text string, err error) {
	numOK, numVal := tryNumber(raw.Number)
	textOK, textVal := tryString(raw.Clue)

	if numOK && textOK {
		return int(numVal), textVal, nil
	}

	// number isn't numeric — check whether it's swapped with clue.
	swapNumOK, swapNumVal := tryNumber(raw.Clue)
	swapTextOK, swapTextVal := tryString(raw.Number)
	if swapNumOK && swapTextOK {
		return int(swapNumVal), swapTextVal, nil
	}

	if numOK {
		return int(numVal), "", nil
	}
	if swapNumOK {
		return int(swapNumVal), "", nil
	}

	return 0, "", fmt.Errorf("clue object has no numeric field: %+v", raw)
}

func tryNumber(raw json.RawMessage) (bool, float64) {
	if len(raw) == 0 {
		return false, 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return true, f
	}
	return false, 0
}

func tryString(raw json.RawMessage) (bool, string) {
	if len(raw) == 0 {
		return false, ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return true, s
	}
	return false, ""
}

// normalizeClueList turns a clue array into a sparse ClueList indexed by
// cell number (spec.md §9 "Legacy clue formats"). Each element is a
// `[number, text]` pair (either order) or a `{number, clue}` object;
// null elements are skipped. A top-level JSON object, or an element
// that is a bare string, is rejected with an error.
func normalizeClueList(raw json.RawMessage) (ClueList, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	// Shape 1: array of [number, text] pairs.
	var pairs []json.RawMessage
	if err := json.Unmarshal(raw, &pairs); err == nil {
		var out ClueList
		for _, p := range pairs {
			if string(p) == "null" {
				continue
			}
			// Each element is either a 2-tuple or a {number, clue} object;
			// try the tuple shape first.
			var tuple []json.RawMessage
			if err := json.Unmarshal(p, &tuple); err == nil && len(tuple) == 2 {
				numOK, numVal := tryNumber(tuple[0])
				textOK, textVal := tryString(tuple[1])
				if numOK && textOK {
					out = appendClue(out, int(numVal), textVal)
					continue
				}
				// swapped tuple
				swapNumOK, swapNumVal := tryNumber(tuple[1])
				swapTextOK, swapTextVal := tryString(tuple[0])
				if swapNumOK && swapTextOK {
					out = appendClue(out, int(swapNumVal), swapTextVal)
					continue
				}
				return nil, fmt.Errorf("malformed clue pair: %s", p)
			}

			var obj rawClueObject
			if err := json.Unmarshal(p, &obj); err != nil {
				return nil, fmt.Errorf("malformed clue entry: %w", err)
			}
			num, text, err := decodeClueNumber(obj)
			if err != nil {
				return nil, err
			}
			out = appendClue(out, num, text)
		}
		return out, nil
	}

	return nil, fmt.Errorf("unrecognized clue list shape: %s", raw)
}

func appendClue(list ClueList, number int, text string) ClueList {
	for len(list) <= number {
		list = append(list, nil)
	}
	list[number] = &Clue{Number: number, Text: text}
	return list
}

// BuildInitialState implements the server-side initial-state builder
// referenced by createInitialEvent (spec.md §4.2, §4.4): it detects
// black cells from the solution, assigns sequential cell numbers,
// extracts circles/shades from cell styles, and normalizes clues.
func BuildInitialState(p *Puzzle, now int64) (*GameState, error) {
	height := len(p.Solution)
	if height == 0 {
		return nil, ErrEmptyGrid
	}

	solution := make([][]string, height)
	black := make([][]bool, height)
	width := -1

	for r, rowRaw := range p.Solution {
		var row []json.RawMessage
		if err := json.Unmarshal(rowRaw, &row); err != nil {
			return nil, fmt.Errorf("invalid solution row %d: %w", r, err)
		}
		if width == -1 {
			width = len(row)
		}
		if len(row) != width || width == 0 {
			return nil, ErrEmptyGrid
		}

		solution[r] = make([]string, width)
		black[r] = make([]bool, width)
		for c, cellRaw := range row {
			letter, isBlack, err := solutionLetter(cellRaw)
			if err != nil {
				return nil, err
			}
			solution[r][c] = letter
			black[r][c] = isBlack
		}
	}

	var puzzleGrid [][]PuzzleCell
	if len(p.RawGrid) > 0 {
		var rows []json.RawMessage
		if err := json.Unmarshal(p.RawGrid, &rows); err != nil {
			return nil, fmt.Errorf("invalid puzzle grid: %w", err)
		}
		puzzleGrid = make([][]PuzzleCell, len(rows))
		for r, rowRaw := range rows {
			var cellsRaw []json.RawMessage
			if err := json.Unmarshal(rowRaw, &cellsRaw); err != nil {
				return nil, fmt.Errorf("invalid puzzle grid row %d: %w", r, err)
			}
			puzzleGrid[r] = make([]PuzzleCell, len(cellsRaw))
			for c, cr := range cellsRaw {
				pc, err := decodePuzzleCell(cr)
				if err != nil {
					return nil, err
				}
				puzzleGrid[r][c] = pc
			}
		}
	}

	grid := make([][]Cell, height)
	var circles, shades []CellPos

	// Assign sequential cell numbers row-major to every cell that starts
	// an across or down word (spec.md §4.4).
	number := 0
	for r := 0; r < height; r++ {
		grid[r] = make([]Cell, width)
		for c := 0; c < width; c++ {
			if black[r][c] {
				grid[r][c] = Cell{Black: true}
				continue
			}

			startsAcross := (c == 0 || black[r][c-1]) && (c+1 < width && !black[r][c+1])
			startsDown := (r == 0 || black[r-1][c]) && (r+1 < height && !black[r+1][c])

			cellNum := 0
			if startsAcross || startsDown {
				number++
				cellNum = number
			}

			grid[r][c] = Cell{Number: cellNum}

			if puzzleGrid != nil && r < len(puzzleGrid) && c < len(puzzleGrid[r]) {
				style := puzzleGrid[r][c].Style
				if style.ShapeBG == "circle" {
					circles = append(circles, CellPos{Row: r, Col: c})
				}
				if style.FillBG != "" {
					shades = append(shades, CellPos{Row: r, Col: c})
				}
			}
		}
	}

	across, err := normalizeClueList(p.Clues.Across)
	if err != nil {
		return nil, fmt.Errorf("across clues: %w", err)
	}
	down, err := normalizeClueList(p.Clues.Down)
	if err != nil {
		return nil, fmt.Errorf("down clues: %w", err)
	}

	return &GameState{
		Info:     p.Info,
		Grid:     grid,
		Solution: solution,
		Clues:    Clues{Across: across, Down: down},
		Circles:  circles,
		Shades:   shades,
		Chat:     ChatState{Messages: []ChatMessage{}},
		Cursors:  []Cursor{},
		Clock: Clock{
			Paused:        true,
			TotalTime:     0,
			TrueTotalTime: 0,
			LastUpdated:   now,
		},
		Solved:  false,
		Contest: p.Contest,
		Players: make(map[string]*PlayerMeta),
	}, nil
}
