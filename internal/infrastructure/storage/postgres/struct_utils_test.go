package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"stockledger/internal/core/id"
)

type AuditedRow struct {
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

type sampleRow struct {
	ID    id.ID  `db:"id"`
	Name  string `db:"name"`
	Skip  string `db:"-"`
	plain int
	AuditedRow
}

func TestExtractDBColumns(t *testing.T) {
	assert.Equal(t, []string{"id", "name", "created_at", "updated_at"}, ExtractDBColumns[sampleRow]())
	assert.Equal(t, ExtractDBColumns[sampleRow](), ExtractDBColumns[*sampleRow](), "pointer types resolve to the struct")
}

func TestStructToMap(t *testing.T) {
	now := time.Now().UTC()
	row := sampleRow{
		ID:         id.New(),
		Name:       "bin",
		Skip:       "x",
		plain:      1,
		AuditedRow: AuditedRow{CreatedAt: now, UpdatedAt: now},
	}

	m := StructToMap(&row)

	assert.Len(t, m, 4)
	assert.Equal(t, row.ID, m["id"])
	assert.Equal(t, "bin", m["name"])
	assert.Equal(t, now, m["created_at"])
	assert.NotContains(t, m, "Skip")
	assert.Nil(t, StructToMap(42))
}
