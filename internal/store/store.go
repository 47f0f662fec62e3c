// Package store implements C2: the durable, append-only event log
// backing games and rooms, on Postgres via database/sql + lib/pq
// (grounded on tcstacks-crossy's internal/db/db.go).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/crosswithfriends/crossplay/internal/apierr"
	"github.com/crosswithfriends/crossplay/internal/authz"
	"github.com/crosswithfriends/crossplay/internal/reducer"
)

// Store wraps the Postgres connection pool used for both the game and
// room event relations (spec.md §6.4).
type Store struct {
	db *sql.DB
}

// Options configures the connection beyond the bare DSN (spec.md §6.5
// DB_SSL / DB_SSL_REJECT_UNAUTHORIZED).
type Options struct {
	SSL                   bool
	SSLRejectUnauthorized bool
}

// Open connects to Postgres, applies the migration registry, and
// configures the same pool limits tcstacks-crossy's Database.New uses.
func Open(ctx context.Context, dbURL string, opts Options) (*Store, error) {
	dsn := dbURL
	if opts.SSL {
		if opts.SSLRejectUnauthorized {
			dsn += "?sslmode=verify-full"
		} else {
			dsn += "?sslmode=require"
		}
	} else {
		dsn += "?sslmode=disable"
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// eventRow is the relation-agnostic shape shared by game_events and
// room_events (spec.md §6.4).
type eventRow struct {
	User      sql.NullString
	Timestamp time.Time
	EventType string
	Payload   []byte
}

func toEvent(row eventRow) (reducer.Event, error) {
	ev := reducer.Event{
		Timestamp: row.Timestamp.UnixMilli(),
		Type:      reducer.EventType(row.EventType),
		Params:    json.RawMessage(row.Payload),
	}
	if row.User.Valid {
		ev.User = row.User.String
	}
	return ev, nil
}

// AppendGameEvent persists one event atomically (spec.md §4.2). The
// insertion_seq column gives the (timestamp, insertion-seq) tiebreak
// named in spec.md §3/§8 a concrete, queryable identity.
func (s *Store) AppendGameEvent(ctx context.Context, gid string, event reducer.Event) error {
	return s.appendEvent(ctx, "game_events", "gid", "game_events_insertion_seq", gid, event)
}

// AppendRoomEvent is the room-relation symmetric operation.
func (s *Store) AppendRoomEvent(ctx context.Context, rid string, event reducer.Event) error {
	return s.appendEvent(ctx, "room_events", "rid", "room_events_insertion_seq", rid, event)
}

func (s *Store) appendEvent(ctx context.Context, table, idCol, seqName, id string, event reducer.Event) error {
	if event.Type == reducer.EventCreate {
		already, err := s.exists(ctx, table, idCol, id)
		if err != nil {
			return fmt.Errorf("check existing create: %w", err)
		}
		if already {
			// A second `create` for the same id is a CONFLICT, not a
			// silent overwrite (spec.md §3 EventLog invariant, §7).
			return apierr.New(apierr.Conflict, "a create event already exists for this id")
		}
	} else {
		createTS, err := s.firstCreateTimestamp(ctx, table, idCol, id)
		if err == nil && createTS != nil && event.Timestamp < *createTS {
			// Out-of-order insert predating the create event (Open
			// Question #2 in SPEC_FULL.md): reject, don't persist.
			return apierr.New(apierr.Validation, "event predates the game's create event")
		}
	}

	ts := time.UnixMilli(event.Timestamp).UTC()
	var user interface{}
	if event.User != "" {
		user = event.User
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s, "user", ts, insertion_seq, event_type, event_payload)
		VALUES ($1, $2, $3, nextval('%s'), $4, $5)
	`, table, idCol, seqName)

	_, err := s.db.ExecContext(ctx, query, id, user, ts, string(event.Type), []byte(event.Params))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *Store) firstCreateTimestamp(ctx context.Context, table, idCol, id string) (*int64, error) {
	query := fmt.Sprintf(`
		SELECT ts FROM %s WHERE %s = $1 AND event_type = $2
		ORDER BY ts, insertion_seq LIMIT 1
	`, table, idCol)

	var ts time.Time
	err := s.db.QueryRowContext(ctx, query, id, string(reducer.EventCreate)).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ms := ts.UnixMilli()
	return &ms, nil
}

// GetGameEvents returns events for gid in ascending (ts, insertion_seq)
// order, the whole log when limit<=0 (spec.md §4.2).
func (s *Store) GetGameEvents(ctx context.Context, gid string, limit, offset int) ([]reducer.Event, int, error) {
	return s.getEvents(ctx, "game_events", "gid", gid, limit, offset)
}

// GetRoomEvents is the room-relation symmetric operation.
func (s *Store) GetRoomEvents(ctx context.Context, rid string, limit, offset int) ([]reducer.Event, int, error) {
	return s.getEvents(ctx, "room_events", "rid", rid, limit, offset)
}

func (s *Store) getEvents(ctx context.Context, table, idCol, id string, limit, offset int) ([]reducer.Event, int, error) {
	var total int
	countQuery := fmt.Sprintf(`SELECT count(*) FROM %s WHERE %s = $1`, table, idCol)
	if err := s.db.QueryRowContext(ctx, countQuery, id).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT "user", ts, event_type, event_payload FROM %s
		WHERE %s = $1 ORDER BY ts, insertion_seq
	`, table, idCol)
	args := []interface{}{id}

	if limit > 0 {
		query += ` LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []reducer.Event
	for rows.Next() {
		var row eventRow
		if err := rows.Scan(&row.User, &row.Timestamp, &row.EventType, &row.Payload); err != nil {
			return nil, 0, err
		}
		ev, err := toEvent(row)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return events, total, nil
}

// GetGameInfo fetches the single create event and returns its
// params.game.info; zero or multiple create events defensively
// returns an empty info record (spec.md §4.2).
func (s *Store) GetGameInfo(ctx context.Context, gid string) (json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_payload FROM game_events WHERE gid = $1 AND event_type = $2
	`, gid, string(reducer.EventCreate))
	if err != nil {
		return nil, fmt.Errorf("query create events: %w", err)
	}
	defer rows.Close()

	var payloads [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		payloads = append(payloads, payload)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(payloads) != 1 {
		return json.RawMessage(`{}`), nil
	}

	var params reducer.CreateParams
	if err := json.Unmarshal(payloads[0], &params); err != nil {
		return json.RawMessage(`{}`), nil
	}

	var game map[string]json.RawMessage
	if err := json.Unmarshal(params.Game, &game); err != nil {
		return json.RawMessage(`{}`), nil
	}
	if info, ok := game["info"]; ok {
		return info, nil
	}
	return json.RawMessage(`{}`), nil
}

// GetGameCreator reads the user field of the create event, returning
// "" when no create event exists yet (spec.md §4.2, §4.3).
func (s *Store) GetGameCreator(ctx context.Context, gid string) (string, error) {
	return s.getCreator(ctx, "game_events", "gid", gid)
}

// GetRoomCreator is the room-relation symmetric operation.
func (s *Store) GetRoomCreator(ctx context.Context, rid string) (string, error) {
	return s.getCreator(ctx, "room_events", "rid", rid)
}

func (s *Store) getCreator(ctx context.Context, table, idCol, id string) (string, error) {
	query := fmt.Sprintf(`
		SELECT "user" FROM %s WHERE %s = $1 AND event_type = $2
		ORDER BY ts, insertion_seq LIMIT 1
	`, table, idCol)

	var user sql.NullString
	err := s.db.QueryRowContext(ctx, query, id, string(reducer.EventCreate)).Scan(&user)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !user.Valid {
		return "", nil
	}
	return user.String, nil
}

// GameExists reports whether any event has been recorded for gid, used
// by authorization's not-found branch (spec.md §4.3).
func (s *Store) GameExists(ctx context.Context, gid string) (bool, error) {
	return s.exists(ctx, "game_events", "gid", gid)
}

// RoomExists is the room-relation symmetric operation.
func (s *Store) RoomExists(ctx context.Context, rid string) (bool, error) {
	return s.exists(ctx, "room_events", "rid", rid)
}

func (s *Store) exists(ctx context.Context, table, idCol, id string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE %s = $1)`, table, idCol)
	var ok bool
	err := s.db.QueryRowContext(ctx, query, id).Scan(&ok)
	return ok, err
}

// CreateInitialEvent builds and appends the `create` event for gid
// (spec.md §4.2), delegating state construction to the §4.4 initial
// state builder so the persisted payload matches what the reducer
// will later replay. puzzle is supplied by the external puzzle
// collaborator (spec.md §1 Non-goals: puzzle file-format parsing is
// out of scope here).
func (s *Store) CreateInitialEvent(ctx context.Context, gid string, puzzle *reducer.Puzzle, userID string, now int64) (reducer.Event, error) {
	if _, err := reducer.BuildInitialState(puzzle, now); err != nil {
		return reducer.Event{}, err
	}

	game := map[string]json.RawMessage{
		"info":     puzzle.Info,
		"grid":     puzzle.RawGrid,
		"solution": marshalSolution(puzzle.Solution),
		"clues":    marshalRawClues(puzzle.Clues),
	}
	if puzzle.Contest {
		b, _ := json.Marshal(true)
		game["contest"] = b
	}

	gameJSON, err := json.Marshal(game)
	if err != nil {
		return reducer.Event{}, fmt.Errorf("marshal game payload: %w", err)
	}

	params, err := json.Marshal(reducer.CreateParams{PID: gid, Version: 1, Game: gameJSON})
	if err != nil {
		return reducer.Event{}, fmt.Errorf("marshal create params: %w", err)
	}

	event := reducer.Event{Timestamp: now, Type: reducer.EventCreate, User: userID, Params: params}
	if err := s.AppendGameEvent(ctx, gid, event); err != nil {
		return reducer.Event{}, err
	}
	return event, nil
}

func marshalSolution(rows []json.RawMessage) json.RawMessage {
	b, err := json.Marshal(rows)
	if err != nil {
		return json.RawMessage(`[]`)
	}
	return b
}

func marshalRawClues(clues reducer.RawClues) json.RawMessage {
	b, err := json.Marshal(clues)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// Games adapts Store to authz.CreatorLookup for game ids.
func (s *Store) Games() authz.CreatorLookup { return gameLookup{s} }

// Rooms adapts Store to authz.CreatorLookup for room ids.
func (s *Store) Rooms() authz.CreatorLookup { return roomLookup{s} }

type gameLookup struct{ s *Store }

func (g gameLookup) GetCreator(ctx context.Context, id string) (string, error) {
	return g.s.GetGameCreator(ctx, id)
}

func (g gameLookup) Exists(ctx context.Context, id string) (bool, error) {
	return g.s.GameExists(ctx, id)
}

type roomLookup struct{ s *Store }

func (r roomLookup) GetCreator(ctx context.Context, id string) (string, error) {
	return r.s.GetRoomCreator(ctx, id)
}

func (r roomLookup) Exists(ctx context.Context, id string) (bool, error) {
	return r.s.RoomExists(ctx, id)
}
