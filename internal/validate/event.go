package validate

import (
	"encoding/json"
	"fmt"

	"github.com/crosswithfriends/crossplay/internal/apierr"
	"github.com/crosswithfriends/crossplay/internal/reducer"
)

// Event checks an incoming event against its per-type schema
// (spec.md §4.7, §6.3). timestamp is assumed already coerced via
// CoerceTimestamp. Invalid events return a VALIDATION_ERROR and must
// never be persisted or broadcast.
func Event(ev reducer.Event) error {
	if ev.Timestamp <= 0 {
		return apierr.New(apierr.Validation, "timestamp must be a positive integer")
	}
	if !reducer.KnownEventTypes[ev.Type] {
		return apierr.New(apierr.Validation, fmt.Sprintf("unknown event type %q", ev.Type))
	}

	switch ev.Type {
	case reducer.EventUpdateCell:
		var p struct {
			Cell struct {
				Row int `json:"r"`
				Col int `json:"c"`
			} `json:"cell"`
		}
		if err := json.Unmarshal(ev.Params, &p); err != nil {
			return apierr.Wrap(apierr.Validation, "malformed updateCell params", err)
		}
		if p.Cell.Row < 0 || p.Cell.Col < 0 {
			return apierr.New(apierr.Validation, "updateCell row/col must be >= 0")
		}

	case reducer.EventCheck, reducer.EventReveal:
		var p struct {
			Scope []json.RawMessage `json:"scope"`
		}
		if err := json.Unmarshal(ev.Params, &p); err != nil {
			return apierr.Wrap(apierr.Validation, "malformed scope params", err)
		}
		if len(p.Scope) != 1 {
			return apierr.New(apierr.Validation, "scope must contain exactly one cell")
		}

	case reducer.EventReset:
		var p struct {
			Scope []json.RawMessage `json:"scope"`
		}
		if err := json.Unmarshal(ev.Params, &p); err != nil {
			return apierr.Wrap(apierr.Validation, "malformed scope params", err)
		}

	case reducer.EventSendChatMessage:
		var p struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(ev.Params, &p); err != nil {
			return apierr.Wrap(apierr.Validation, "malformed sendChatMessage params", err)
		}
		if len(p.Message) < 1 || len(p.Message) > 1000 {
			return apierr.New(apierr.Validation, "message length must be in [1, 1000]")
		}

	case reducer.EventUpdateDisplayName:
		var p struct {
			DisplayName string `json:"displayName"`
		}
		if err := json.Unmarshal(ev.Params, &p); err != nil {
			return apierr.Wrap(apierr.Validation, "malformed updateDisplayName params", err)
		}
		if len(p.DisplayName) > 100 {
			return apierr.New(apierr.Validation, "displayName length must be <= 100")
		}

	case reducer.EventUpdateTeamId:
		var p struct {
			TeamID int `json:"teamId"`
		}
		if err := json.Unmarshal(ev.Params, &p); err != nil {
			return apierr.Wrap(apierr.Validation, "malformed updateTeamId params", err)
		}
		if p.TeamID < 0 || p.TeamID > 2 {
			return apierr.New(apierr.Validation, "teamId must be in {0,1,2}")
		}
	}

	return nil
}
