package reducer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildInitialStateNumbersAcrossAndDown(t *testing.T) {
	p := &Puzzle{
		Solution: rawRows(t, [][]string{
			{"C", "A", "T"},
			{"#", "#", "O"},
		}),
		Clues: RawClues{
			Across: rawJSON(t, [][]any{{1, "Feline"}}),
			Down:   rawJSON(t, [][]any{{3, "Small cat"}}),
		},
	}

	state, err := BuildInitialState(p, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, state.Grid[0][0].Number)
	require.Equal(t, 2, state.Grid[0][2].Number, "down-only start gets the next sequential number")
	require.True(t, state.Grid[1][0].Black)
	require.True(t, state.Grid[1][1].Black)
	require.False(t, state.Grid[1][2].Black)
}

func TestBuildInitialStateRejectsEmptyGrid(t *testing.T) {
	_, err := BuildInitialState(&Puzzle{Solution: nil}, 1000)
	require.ErrorIs(t, err, ErrEmptyGrid)
}

func TestBuildInitialStateExtractsCirclesAndShades(t *testing.T) {
	p := &Puzzle{
		Solution: rawRows(t, [][]string{{"A", "B"}}),
		RawGrid: rawJSON(t, [][]any{
			{
				map[string]any{"cell": 1, "style": map[string]any{"shapebg": "circle"}},
				map[string]any{"cell": 2, "style": map[string]any{"fillbg": "gray"}},
			},
		}),
	}

	state, err := BuildInitialState(p, 1000)
	require.NoError(t, err)
	require.Equal(t, []CellPos{{Row: 0, Col: 0}}, state.Circles)
	require.Equal(t, []CellPos{{Row: 0, Col: 1}}, state.Shades)
}

func TestNormalizeClueListHandlesSwappedNumberAndText(t *testing.T) {
	// Legacy bug: {number: "Feline", clue: 1} has number/text swapped.
	raw := rawJSON(t, []map[string]any{{"number": "Feline", "clue": 1}})
	list, err := normalizeClueList(raw)
	require.NoError(t, err)
	require.Equal(t, 1, list[1].Number)
	require.Equal(t, "Feline", list[1].Text)
}

func TestDecodePuzzleCellBlackString(t *testing.T) {
	pc, err := decodePuzzleCell(rawJSON(t, "#"))
	require.NoError(t, err)
	require.True(t, pc.IsBlack)
}

func rawRows(t *testing.T, rows [][]string) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(rows))
	for i, row := range rows {
		b, err := json.Marshal(row)
		require.NoError(t, err)
		out[i] = b
	}
	return out
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
