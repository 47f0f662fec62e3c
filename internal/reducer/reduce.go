package reducer

import (
	"encoding/json"
)

// Options carries the reducer's tunables, sourced from Config
// (MEMO_RATE lives in the history engine; MaxClockIncrement lives here).
type Options struct {
	MaxClockIncrementMS int64
	Optimistic          bool
}

// CreateParams is the `create` event's params (spec.md §6.3).
type CreateParams struct {
	PID     string          `json:"pid"`
	Version int             `json:"version"`
	Game    json.RawMessage `json:"game"`
}

// gameInitPayload describes the fields of CreateParams.Game. Nothing
// decodes into it: reduceCreate reads the same fields one by one with
// rawGameField.
type gameInitPayload struct {
	Info     json.RawMessage   `json:"info"`
	Grid     json.RawMessage   `json:"grid"`
	Solution []json.RawMessage `json:"solution"`
	Clues    RawClues          `json:"clues"`
	Circles  json.RawMessage   `json:"circles,omitempty"`
	Shades   json.RawMessage   `json:"shades,omitempty"`
	Contest  bool              `json:"contest,omitempty"`
}

type updateCellParams struct {
	Cell      CellPos `json:"cell"`
	Value     string  `json:"value"`
	Autocheck bool    `json:"autocheck"`
	ID        string  `json:"id"`
	Pencil    bool    `json:"pencil,omitempty"`
}

type updateCursorParams struct {
	Cell      CellPos `json:"cell"`
	ID        string  `json:"id"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

type scopeParams struct {
	Scope []CellPos `json:"scope"`
	ID    string    `json:"id,omitempty"`
}

// chatParams carries a MessageID assigned once by the caller at event
// creation/validation time (spec.md §4.4/§8): Reduce must never mint
// one itself, or replaying the same event from different memoized
// checkpoints would produce different state.
type chatParams struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	MessageID string `json:"messageId,omitempty"`
}

type displayNameParams struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type teamNameParams struct {
	ID       string `json:"id"`
	TeamName string `json:"teamName"`
}

type teamIDParams struct {
	ID     string `json:"id"`
	TeamID int    `json:"teamId"`
}

// Reduce is the pure (state, event) -> state function (spec.md §4.4).
// A nil state is only valid for a `create` event. Reduce never mutates
// state or event. It returns a fresh *GameState for `create` and every
// known event type; an unknown type returns state itself, and a nil
// state with any other event returns nil.
func Reduce(state *GameState, event Event, opts Options) (*GameState, error) {
	if event.Type == EventCreate {
		return reduceCreate(event, opts)
	}

	if state == nil {
		// No create event has been seen yet; nothing to reduce against.
		return nil, nil
	}

	if !KnownEventTypes[event.Type] {
		// Unknown type: return state unchanged (spec.md §4.4).
		return state, nil
	}

	next := state.clone()

	// The clock ticks implicitly off every event's timestamp (spec.md
	// §4.4.1), not only the explicit clock-control ones; those cases
	// below re-tick with their own paused' value, which is a zero-delta
	// no-op here since LastUpdated already caught up to event.Timestamp.
	next.Clock = tick(next.Clock, event.Timestamp, next.Clock.Paused, opts.MaxClockIncrementMS)

	switch event.Type {
	case EventUpdateCell:
		return reduceUpdateCell(next, event, opts)
	case EventUpdateCursor:
		return reduceUpdateCursor(next, event)
	case EventCheck:
		return reduceCheck(next, event)
	case EventReveal:
		return reduceReveal(next, event)
	case EventReset:
		return reduceReset(next, event)
	case EventRevealAllClues:
		return next, nil // clue text is static; nothing to mutate server-side
	case EventStartGame:
		next.Clock = tick(next.Clock, event.Timestamp, false, opts.MaxClockIncrementMS)
		return next, nil
	case EventSendChatMessage:
		return reduceSendChatMessage(next, event)
	case EventUpdateDisplayName:
		return reduceUpdateDisplayName(next, event)
	case EventUpdateTeamName:
		return reduceUpdateTeamName(next, event)
	case EventUpdateTeamId:
		return reduceUpdateTeamID(next, event)
	case EventClockStart:
		next.Clock = tick(next.Clock, event.Timestamp, false, opts.MaxClockIncrementMS)
		return next, nil
	case EventClockPause:
		next.Clock = tick(next.Clock, event.Timestamp, true, opts.MaxClockIncrementMS)
		return next, nil
	case EventClockReset:
		next.Clock.TotalTime = 0
		next.Clock.TrueTotalTime = 0
		next.Clock.LastUpdated = event.Timestamp
		return next, nil
	case EventMarkSolved:
		next.ContestSolved = true
		next.Solved = true
		return next, nil
	case EventUnmarkSolved:
		next.ContestSolved = false
		next.Solved = false
		return next, nil
	}

	return next, nil
}

func reduceCreate(event Event, opts Options) (*GameState, error) {
	var params CreateParams
	if err := json.Unmarshal(event.Params, &params); err != nil {
		return nil, err
	}

	state, err := BuildInitialState(&Puzzle{
		Info:     rawGameField(params.Game, "info"),
		RawGrid:  rawGameField(params.Game, "grid"),
		Solution: decodeSolutionRows(rawGameField(params.Game, "solution")),
		Clues: RawClues{
			Across: rawClueField(params.Game, "across"),
			Down:   rawClueField(params.Game, "down"),
		},
		Contest: decodeContest(params.Game),
	}, event.Timestamp)
	if err != nil {
		return nil, err
	}

	state.Clock = Clock{Paused: true, TotalTime: 0, TrueTotalTime: 0, LastUpdated: event.Timestamp}
	state.Solved = false
	return state, nil
}

// rawGameField pulls a top-level field out of the `game` object without
// requiring a fully-typed intermediate struct (the three clue shapes and
// the {cell,style} puzzle-grid shape all need raw access anyway).
func rawGameField(game json.RawMessage, name string) json.RawMessage {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(game, &m); err != nil {
		return nil
	}
	return m[name]
}

func rawClueField(game json.RawMessage, direction string) json.RawMessage {
	clues := rawGameField(game, "clues")
	if clues == nil {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(clues, &m); err != nil {
		return nil
	}
	return m[direction]
}

func decodeContest(game json.RawMessage) bool {
	raw := rawGameField(game, "contest")
	if raw == nil {
		return false
	}
	var b bool
	_ = json.Unmarshal(raw, &b)
	return b
}

func decodeSolutionRows(raw json.RawMessage) []json.RawMessage {
	if raw == nil {
		return nil
	}
	var rows []json.RawMessage
	_ = json.Unmarshal(raw, &rows)
	return rows
}

func reduceUpdateCell(state *GameState, event Event, opts Options) (*GameState, error) {
	var p updateCellParams
	if err := json.Unmarshal(event.Params, &p); err != nil {
		return nil, err
	}

	r, c := p.Cell.Row, p.Cell.Col
	if !inBounds(state, r, c) {
		return state, nil
	}

	cell := &state.Grid[r][c]
	if cell.Black || cell.Good {
		// Black or already-correct cells ignore further updates
		// (spec.md §3 Cell invariants, §4.4 updateCell).
		return state, nil
	}

	cell.Value = p.Value
	cell.Bad = false
	if p.Pencil {
		cell.Pencil = true
	} else {
		cell.Pencil = false
	}
	cell.SolvedByUser = p.ID

	recomputeSolved(state)

	return state, nil
}

func inBounds(state *GameState, r, c int) bool {
	return r >= 0 && r < state.Height() && c >= 0 && c < state.Width()
}

// recomputeSolved implements spec.md §3/§4.4/§8: solved iff every
// non-black cell's value matches the solution letter, except for
// contest puzzles where solved mirrors contestSolved.
func recomputeSolved(state *GameState) {
	if state.Contest {
		state.Solved = state.ContestSolved
		return
	}

	if state.Height() == 0 {
		return
	}

	solved := true
	hasNonBlack := false
	for r := range state.Grid {
		for c := range state.Grid[r] {
			cell := state.Grid[r][c]
			if cell.Black {
				continue
			}
			hasNonBlack = true
			solution := state.Solution[r][c]
			if solution == "" || cell.Value != solution {
				solved = false
			}
		}
	}

	if !hasNonBlack {
		return
	}
	state.Solved = solved
}

func reduceUpdateCursor(state *GameState, event Event) (*GameState, error) {
	var p updateCursorParams
	if err := json.Unmarshal(event.Params, &p); err != nil {
		return nil, err
	}

	ts := p.Timestamp
	if ts == 0 {
		ts = event.Timestamp
	}

	for i, cur := range state.Cursors {
		if cur.ID == p.ID {
			state.Cursors[i] = Cursor{ID: p.ID, Row: p.Cell.Row, Col: p.Cell.Col, Timestamp: ts}
			return state, nil
		}
	}
	state.Cursors = append(state.Cursors, Cursor{ID: p.ID, Row: p.Cell.Row, Col: p.Cell.Col, Timestamp: ts})
	return state, nil
}

func reduceCheck(state *GameState, event Event) (*GameState, error) {
	if state.Contest {
		return state, nil
	}

	var p scopeParams
	if err := json.Unmarshal(event.Params, &p); err != nil {
		return nil, err
	}

	for _, pos := range p.Scope {
		if !inBounds(state, pos.Row, pos.Col) {
			continue
		}
		cell := &state.Grid[pos.Row][pos.Col]
		if cell.Black || cell.Value == "" {
			continue
		}
		if cell.Value == state.Solution[pos.Row][pos.Col] {
			cell.Good = true
			cell.Bad = false
		} else {
			cell.Bad = true
			cell.Good = false
		}
	}
	return state, nil
}

func reduceReveal(state *GameState, event Event) (*GameState, error) {
	if state.Contest {
		return state, nil
	}

	var p scopeParams
	if err := json.Unmarshal(event.Params, &p); err != nil {
		return nil, err
	}

	for _, pos := range p.Scope {
		if !inBounds(state, pos.Row, pos.Col) {
			continue
		}
		cell := &state.Grid[pos.Row][pos.Col]
		if cell.Black {
			continue
		}
		wasCorrect := cell.Value != "" && cell.Value == state.Solution[pos.Row][pos.Col]
		cell.Value = state.Solution[pos.Row][pos.Col]
		cell.Good = true
		cell.Bad = false
		if !wasCorrect {
			cell.Revealed = true
		}
	}

	recomputeSolved(state)
	return state, nil
}

func reduceReset(state *GameState, event Event) (*GameState, error) {
	var p scopeParams
	if err := json.Unmarshal(event.Params, &p); err != nil {
		return nil, err
	}

	for _, pos := range p.Scope {
		if !inBounds(state, pos.Row, pos.Col) {
			continue
		}
		cell := &state.Grid[pos.Row][pos.Col]
		if cell.Black {
			continue
		}
		cell.Value = ""
		cell.Good = false
		cell.Bad = false
		cell.Revealed = false
	}

	recomputeSolved(state)
	return state, nil
}

func reduceSendChatMessage(state *GameState, event Event) (*GameState, error) {
	var p chatParams
	if err := json.Unmarshal(event.Params, &p); err != nil {
		return nil, err
	}
	state.Chat.Messages = append(state.Chat.Messages, ChatMessage{
		ID:        p.ID,
		MessageID: p.MessageID,
		Text:      p.Message,
		Timestamp: event.Timestamp,
	})
	return state, nil
}

func reduceUpdateDisplayName(state *GameState, event Event) (*GameState, error) {
	var p displayNameParams
	if err := json.Unmarshal(event.Params, &p); err != nil {
		return nil, err
	}
	state.playerMeta(p.ID).DisplayName = p.DisplayName
	return state, nil
}

func reduceUpdateTeamName(state *GameState, event Event) (*GameState, error) {
	var p teamNameParams
	if err := json.Unmarshal(event.Params, &p); err != nil {
		return nil, err
	}
	state.playerMeta(p.ID).TeamName = p.TeamName
	return state, nil
}

func reduceUpdateTeamID(state *GameState, event Event) (*GameState, error) {
	var p teamIDParams
	if err := json.Unmarshal(event.Params, &p); err != nil {
		return nil, err
	}
	state.playerMeta(p.ID).TeamID = p.TeamID
	return state, nil
}
