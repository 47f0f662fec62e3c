package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChecksumIsDeterministic(t *testing.T) {
	require.Equal(t, checksum("abc"), checksum("abc"))
	require.NotEqual(t, checksum("abc"), checksum("abd"))
}

func TestMigrationNamesAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for _, m := range migrations {
		require.False(t, seen[m.name], "duplicate migration name %q", m.name)
		seen[m.name] = true
	}
}
