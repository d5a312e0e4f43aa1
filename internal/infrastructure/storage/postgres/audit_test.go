package postgres

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appctx "stockledger/internal/core/context"
	"stockledger/internal/core/id"
	"stockledger/internal/domain/audit"
)

func TestAuditService_RowRoundTrip(t *testing.T) {
	svc, err := NewAuditService(nil)
	require.NoError(t, err)
	ctx := appctx.WithActor(context.Background(), &appctx.Actor{ActorID: "picker-7"})

	tests := []struct {
		name  string
		note  string
		algo  CompressionAlgo
		plain bool
	}{
		{"small diff stays plain", "short", CompressionNone, true},
		{"large diff is compressed", strings.Repeat("x", DefaultCompressThreshold+1), CompressionZstd, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := audit.Entry{
				TenantID:   "t1",
				EntityType: "sales_order",
				EntityID:   id.New(),
				Action:     audit.ActionFulfill,
				Changes:    map[string]any{"note": map[string]any{"old": nil, "new": tt.note}},
			}

			row, err := svc.toRow(ctx, entry)
			require.NoError(t, err)
			assert.Equal(t, tt.algo, row.CompressionAlgo)
			assert.Equal(t, tt.plain, row.Changes != nil)
			assert.Equal(t, "picker-7", row.ActorID)
			assert.False(t, id.IsNil(row.ID))

			back, err := svc.fromRow(row)
			require.NoError(t, err)
			assert.Equal(t, entry.Changes, back.Changes)
			assert.Equal(t, audit.ActionFulfill, back.Action)
		})
	}
}
