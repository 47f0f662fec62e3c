package validate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCoerceTimestampServerNowSentinels(t *testing.T) {
	now := int64(1700000000000)

	require.Equal(t, now, CoerceTimestamp([]byte(`"SERVER_TIMESTAMP"`), now))
	require.Equal(t, now, CoerceTimestamp([]byte(`{".sv":"timestamp"}`), now))
	require.Equal(t, now, CoerceTimestamp(nil, now))
	require.Equal(t, now, CoerceTimestamp([]byte(`null`), now))
}

func TestCoerceTimestampRejectsNonPositive(t *testing.T) {
	now := int64(1700000000000)

	require.Equal(t, now, CoerceTimestamp([]byte(`0`), now))
	require.Equal(t, now, CoerceTimestamp([]byte(`-5`), now))
}

func TestCoerceTimestampAcceptsValidValue(t *testing.T) {
	now := int64(1700000000000)
	require.Equal(t, int64(1699999999000), CoerceTimestamp([]byte(`1699999999000`), now))
}

func TestCoerceTimestampUnknownStringFallsBackToNow(t *testing.T) {
	now := int64(1700000000000)
	require.Equal(t, now, CoerceTimestamp([]byte(`"garbage"`), now))
}
