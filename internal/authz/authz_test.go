package authz

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeLookup struct {
	creator    string
	exists     bool
	creatorErr error
	existsErr  error
}

func (f fakeLookup) GetCreator(ctx context.Context, id string) (string, error) {
	return f.creator, f.creatorErr
}

func (f fakeLookup) Exists(ctx context.Context, id string) (bool, error) {
	return f.exists, f.existsErr
}

func TestIsUserAuthorizedInvalidUserID(t *testing.T) {
	d := IsUserAuthorized(context.Background(), fakeLookup{}, "", "g1")
	require.False(t, d.OK)
	require.Equal(t, ReasonInvalidUser, d.Reason)
}

func TestIsUserAuthorizedOwner(t *testing.T) {
	d := IsUserAuthorized(context.Background(), fakeLookup{creator: "p1"}, "p1", "g1")
	require.True(t, d.OK)
	require.Equal(t, ReasonOwner, d.Reason)
}

func TestIsUserAuthorizedParticipantWhenCreatorDiffers(t *testing.T) {
	d := IsUserAuthorized(context.Background(), fakeLookup{creator: "p1"}, "p2", "g1")
	require.True(t, d.OK)
	require.Equal(t, ReasonParticipant, d.Reason)
}

func TestIsUserAuthorizedLegacyLogWithNoCreator(t *testing.T) {
	d := IsUserAuthorized(context.Background(), fakeLookup{creator: "", exists: true}, "p2", "g1")
	require.True(t, d.OK)
	require.Equal(t, ReasonParticipant, d.Reason)
}

func TestIsUserAuthorizedNotFound(t *testing.T) {
	d := IsUserAuthorized(context.Background(), fakeLookup{creator: "", exists: false}, "p2", "g1")
	require.False(t, d.OK)
	require.Equal(t, ReasonNotFound, d.Reason)
}

func TestIsUserAuthorizedFailsClosedOnLookupError(t *testing.T) {
	d := IsUserAuthorized(context.Background(), fakeLookup{creatorErr: errors.New("db down")}, "p2", "g1")
	require.False(t, d.OK)
	require.Equal(t, ReasonDenied, d.Reason)
}

func TestIsUserAuthorizedFailsClosedOnExistsError(t *testing.T) {
	d := IsUserAuthorized(context.Background(), fakeLookup{creator: "", existsErr: errors.New("db down")}, "p2", "g1")
	require.False(t, d.OK)
	require.Equal(t, ReasonDenied, d.Reason)
}
