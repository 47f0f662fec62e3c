// Package authz implements C3: deciding whether a user may act on a
// given game or room, backed by the creator lookup in internal/store.
package authz

import (
	"context"
	"regexp"
)

// Reason is why access was granted or denied (spec.md §4.3).
type Reason string

const (
	ReasonOwner       Reason = "owner"
	ReasonParticipant Reason = "participant"
	ReasonNotFound    Reason = "not-found"
	ReasonDenied      Reason = "denied"
	ReasonInvalidUser Reason = "invalid-user"
)

// Decision is the authorization result.
type Decision struct {
	OK     bool
	Reason Reason
}

// userIDPattern is the user-id format check: 1-128 characters drawn from
// ASCII letters, digits, '_', '-', ':' and '.'; any other character
// (space, '@', non-ASCII) makes the id invalid.
var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-:.]{1,128}$`)

// CreatorLookup abstracts the store's per-domain creator query so
// authz doesn't depend on *store.Store directly (games vs rooms use
// different relations but identical authorization logic).
type CreatorLookup interface {
	GetCreator(ctx context.Context, id string) (creator string, err error)
	Exists(ctx context.Context, id string) (bool, error)
}

// IsUserAuthorized implements spec.md §4.3's isUserAuthorizedForGame
// (and, via the same CreatorLookup contract, isUserAuthorizedForRoom).
func IsUserAuthorized(ctx context.Context, lookup CreatorLookup, userID, id string) Decision {
	if !userIDPattern.MatchString(userID) {
		return Decision{OK: false, Reason: ReasonInvalidUser}
	}

	creator, err := lookup.GetCreator(ctx, id)
	if err != nil {
		// Fail-closed: any unknown error in the existence/creator check
		// denies access (spec.md §4.3).
		return Decision{OK: false, Reason: ReasonDenied}
	}

	if creator == userID {
		return Decision{OK: true, Reason: ReasonOwner}
	}
	if creator != "" {
		// All games/rooms are collaborative by design.
		return Decision{OK: true, Reason: ReasonParticipant}
	}

	exists, err := lookup.Exists(ctx, id)
	if err != nil {
		return Decision{OK: false, Reason: ReasonDenied}
	}
	if exists {
		// creator == "" but the log exists: a legacy log with no
		// recorded creator user (spec.md §4.3 step 5).
		return Decision{OK: true, Reason: ReasonParticipant}
	}

	return Decision{OK: false, Reason: ReasonNotFound}
}
