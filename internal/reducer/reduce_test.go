package reducer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func testOpts() Options {
	return Options{MaxClockIncrementMS: 30000}
}

func mustParams(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func newTestState(t *testing.T) *GameState {
	t.Helper()
	game := map[string]any{
		"info":     map[string]any{"title": "Test Puzzle"},
		"grid":     []any{},
		"solution": [][]string{{"C", "A", "T"}, {"#", "#", "#"}},
		"clues": map[string]any{
			"across": [][]any{{1, "Feline"}},
			"down":   [][]any{},
		},
	}
	params := mustParams(t, CreateParams{PID: "p1", Version: 1, Game: mustParams(t, game)})
	state, err := Reduce(nil, Event{Timestamp: 1000, Type: EventCreate, Params: params}, testOpts())
	require.NoError(t, err)
	require.NotNil(t, state)
	return state
}

func TestReduceCreateBuildsState(t *testing.T) {
	state := newTestState(t)
	require.Equal(t, 2, state.Height())
	require.Equal(t, 3, state.Width())
	require.True(t, state.Grid[1][0].Black)
	require.False(t, state.Solved)
	require.True(t, state.Clock.Paused)
}

func TestReduceUnknownTypeIsNoop(t *testing.T) {
	state := newTestState(t)
	next, err := Reduce(state, Event{Timestamp: 2000, Type: "bogusEvent"}, testOpts())
	require.NoError(t, err)
	require.Same(t, state, next)
}

func TestReduceNilStateWithoutCreateReturnsNil(t *testing.T) {
	next, err := Reduce(nil, Event{Timestamp: 1, Type: EventUpdateCell}, testOpts())
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestReduceUpdateCellSetsValueAndDoesNotMutateInput(t *testing.T) {
	state := newTestState(t)
	params := mustParams(t, updateCellParams{Cell: CellPos{Row: 0, Col: 0}, Value: "C", ID: "p1"})
	next, err := Reduce(state, Event{Timestamp: 1100, Type: EventUpdateCell, Params: params}, testOpts())
	require.NoError(t, err)

	require.Equal(t, "", state.Grid[0][0].Value, "input state must not be mutated")
	require.Equal(t, "C", next.Grid[0][0].Value)
	require.Equal(t, "p1", next.Grid[0][0].SolvedByUser)
}

func TestReduceUpdateCellIgnoresBlackCell(t *testing.T) {
	state := newTestState(t)
	params := mustParams(t, updateCellParams{Cell: CellPos{Row: 1, Col: 0}, Value: "X", ID: "p1"})
	next, err := Reduce(state, Event{Timestamp: 1100, Type: EventUpdateCell, Params: params}, testOpts())
	require.NoError(t, err)
	require.Equal(t, "", next.Grid[1][0].Value)
}

func TestReduceUpdateCellMarksSolvedWhenGridComplete(t *testing.T) {
	state := newTestState(t)
	for i, v := range []string{"C", "A", "T"} {
		params := mustParams(t, updateCellParams{Cell: CellPos{Row: 0, Col: i}, Value: v, ID: "p1"})
		var err error
		state, err = Reduce(state, Event{Timestamp: int64(1100 + i), Type: EventUpdateCell, Params: params}, testOpts())
		require.NoError(t, err)
	}
	require.True(t, state.Solved)
}

func TestReduceCheckMarksGoodAndBad(t *testing.T) {
	state := newTestState(t)
	params := mustParams(t, updateCellParams{Cell: CellPos{Row: 0, Col: 0}, Value: "Z", ID: "p1"})
	state, err := Reduce(state, Event{Timestamp: 1100, Type: EventUpdateCell, Params: params}, testOpts())
	require.NoError(t, err)

	scope := mustParams(t, scopeParams{Scope: []CellPos{{Row: 0, Col: 0}}})
	state, err = Reduce(state, Event{Timestamp: 1200, Type: EventCheck, Params: scope}, testOpts())
	require.NoError(t, err)
	require.True(t, state.Grid[0][0].Bad)
	require.False(t, state.Grid[0][0].Good)
}

func TestReduceRevealSetsCorrectValue(t *testing.T) {
	state := newTestState(t)
	scope := mustParams(t, scopeParams{Scope: []CellPos{{Row: 0, Col: 1}}})
	state, err := Reduce(state, Event{Timestamp: 1200, Type: EventReveal, Params: scope}, testOpts())
	require.NoError(t, err)
	require.Equal(t, "A", state.Grid[0][1].Value)
	require.True(t, state.Grid[0][1].Good)
	require.True(t, state.Grid[0][1].Revealed)
}

func TestReduceResetClearsCell(t *testing.T) {
	state := newTestState(t)
	params := mustParams(t, updateCellParams{Cell: CellPos{Row: 0, Col: 0}, Value: "C", ID: "p1"})
	state, err := Reduce(state, Event{Timestamp: 1100, Type: EventUpdateCell, Params: params}, testOpts())
	require.NoError(t, err)

	scope := mustParams(t, scopeParams{Scope: []CellPos{{Row: 0, Col: 0}}})
	state, err = Reduce(state, Event{Timestamp: 1200, Type: EventReset, Params: scope}, testOpts())
	require.NoError(t, err)
	require.Equal(t, "", state.Grid[0][0].Value)
}

func TestReduceUpdateCursorUpsertsByID(t *testing.T) {
	state := newTestState(t)
	p1 := mustParams(t, updateCursorParams{Cell: CellPos{Row: 0, Col: 0}, ID: "p1"})
	state, err := Reduce(state, Event{Timestamp: 1100, Type: EventUpdateCursor, Params: p1}, testOpts())
	require.NoError(t, err)
	require.Len(t, state.Cursors, 1)

	p1moved := mustParams(t, updateCursorParams{Cell: CellPos{Row: 0, Col: 2}, ID: "p1"})
	state, err = Reduce(state, Event{Timestamp: 1200, Type: EventUpdateCursor, Params: p1moved}, testOpts())
	require.NoError(t, err)
	require.Len(t, state.Cursors, 1)
	require.Equal(t, 2, state.Cursors[0].Col)
}

func TestReduceSendChatMessagePreservesCallerAssignedMessageID(t *testing.T) {
	state := newTestState(t)
	first := mustParams(t, chatParams{ID: "p1", Message: "hello", MessageID: "msg-1"})
	state, err := Reduce(state, Event{Timestamp: 1100, Type: EventSendChatMessage, Params: first}, testOpts())
	require.NoError(t, err)
	second := mustParams(t, chatParams{ID: "p1", Message: "hello", MessageID: "msg-2"})
	state, err = Reduce(state, Event{Timestamp: 1200, Type: EventSendChatMessage, Params: second}, testOpts())
	require.NoError(t, err)

	require.Len(t, state.Chat.Messages, 2)
	require.Equal(t, "msg-1", state.Chat.Messages[0].MessageID)
	require.Equal(t, "msg-2", state.Chat.Messages[1].MessageID)
	require.Equal(t, "p1", state.Chat.Messages[0].ID)
}

func TestReduceSendChatMessageIsDeterministicAcrossReplays(t *testing.T) {
	state := newTestState(t)
	params := mustParams(t, chatParams{ID: "p1", Message: "hello", MessageID: "fixed-id"})
	event := Event{Timestamp: 1100, Type: EventSendChatMessage, Params: params}

	first, err := Reduce(state, event, testOpts())
	require.NoError(t, err)
	second, err := Reduce(state, event, testOpts())
	require.NoError(t, err)

	require.Equal(t, first.Chat.Messages[0].MessageID, second.Chat.Messages[0].MessageID)
}

func TestReduceClockAdvancesOnOrdinaryEvents(t *testing.T) {
	state := newTestState(t)
	state, err := Reduce(state, Event{Timestamp: 1000, Type: EventClockStart}, testOpts())
	require.NoError(t, err)

	p := mustParams(t, updateCellParams{Cell: CellPos{Row: 0, Col: 0}, Value: "C", ID: "p1"})
	state, err = Reduce(state, Event{Timestamp: 4000, Type: EventUpdateCell, Params: p}, testOpts())
	require.NoError(t, err)

	require.Equal(t, int64(3000), state.Clock.TotalTime, "ordinary events must tick the clock by their own timestamp")
	require.False(t, state.Clock.Paused)
}

func TestReduceClockTicksOnlyWhileRunning(t *testing.T) {
	state := newTestState(t)
	state, err := Reduce(state, Event{Timestamp: 1000, Type: EventClockStart}, testOpts())
	require.NoError(t, err)
	require.False(t, state.Clock.Paused)

	state, err = Reduce(state, Event{Timestamp: 6000, Type: EventClockPause}, testOpts())
	require.NoError(t, err)
	require.True(t, state.Clock.Paused)
	require.Equal(t, int64(5000), state.Clock.TotalTime)

	state, err = Reduce(state, Event{Timestamp: 20000, Type: EventClockPause}, testOpts())
	require.NoError(t, err)
	require.Equal(t, int64(5000), state.Clock.TotalTime, "time must not accrue while paused")
}

func TestReduceClockRespectsMaxIncrement(t *testing.T) {
	state := newTestState(t)
	state, err := Reduce(state, Event{Timestamp: 0, Type: EventClockStart}, testOpts())
	require.NoError(t, err)

	state, err = Reduce(state, Event{Timestamp: 1000000, Type: EventClockPause}, testOpts())
	require.NoError(t, err)
	require.Equal(t, int64(30000), state.Clock.TotalTime)
}

func TestReduceUpdateDisplayNameTeamNameTeamID(t *testing.T) {
	state := newTestState(t)
	state, err := Reduce(state, Event{Timestamp: 1100, Type: EventUpdateDisplayName,
		Params: mustParams(t, displayNameParams{ID: "p1", DisplayName: "Alice"})}, testOpts())
	require.NoError(t, err)
	state, err = Reduce(state, Event{Timestamp: 1200, Type: EventUpdateTeamName,
		Params: mustParams(t, teamNameParams{ID: "p1", TeamName: "Red"})}, testOpts())
	require.NoError(t, err)
	state, err = Reduce(state, Event{Timestamp: 1300, Type: EventUpdateTeamId,
		Params: mustParams(t, teamIDParams{ID: "p1", TeamID: 2})}, testOpts())
	require.NoError(t, err)

	pm := state.Players["p1"]
	require.Equal(t, "Alice", pm.DisplayName)
	require.Equal(t, "Red", pm.TeamName)
	require.Equal(t, 2, pm.TeamID)
}
