package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSNPrefersExplicit(t *testing.T) {
	assert.Equal(t, "postgres://u@db/x", DSN(ClientConfig{DSN: " postgres://u@db/x ", Host: "ignored"}))
}

func TestDSNEscapesCredentials(t *testing.T) {
	got := DSN(ClientConfig{Host: "db", Database: "perp", User: "keeper", Password: "p@ss/word"})
	assert.Equal(t, "postgres://keeper:p%40ss%2Fword@db:5432/perp?sslmode=disable", got)
}

func TestMigrationNamesSorted(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_events.sql", names[0])
	assert.IsNonDecreasing(t, names)
}
