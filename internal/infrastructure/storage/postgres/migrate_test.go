package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrations(t *testing.T) {
	migrations, err := LoadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	first := migrations[0]
	assert.Equal(t, 1, first.Version)
	assert.Contains(t, first.Up, "CREATE TABLE IF NOT EXISTS stock_counters")
	assert.NotContains(t, first.Up, "DROP TABLE", "down section is not applied")

	for i := 1; i < len(migrations); i++ {
		assert.Less(t, migrations[i-1].Version, migrations[i].Version)
	}
}

func TestUpSection(t *testing.T) {
	body := "-- +goose Up\nCREATE TABLE a (id INT);\n-- +goose Down\nDROP TABLE a;\n"
	assert.Equal(t, "CREATE TABLE a (id INT);", upSection(body))
	assert.Equal(t, "SELECT 1;", upSection("SELECT 1;"))
}
