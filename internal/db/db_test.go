package db

import (
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrations(t *testing.T) {
	steps, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, steps)

	names := make([]string, len(steps))
	for i, step := range steps {
		names[i] = step.Name
		assert.True(t, strings.HasSuffix(step.Name, ".sql"), "unexpected file %s", step.Name)
		assert.NotEmpty(t, strings.TrimSpace(step.SQL), "empty migration %s", step.Name)
	}
	assert.True(t, sort.StringsAreSorted(names), "migrations out of apply order: %v", names)

	// The initial migration creates the core tables.
	assert.Equal(t, "0001_init.sql", steps[0].Name)
	assert.Contains(t, steps[0].SQL, "CREATE TABLE IF NOT EXISTS sandboxes")
	assert.Contains(t, steps[0].SQL, "CREATE TABLE IF NOT EXISTS chat_sessions")
	assert.Contains(t, steps[0].SQL, "CREATE TABLE IF NOT EXISTS chat_messages")
}
