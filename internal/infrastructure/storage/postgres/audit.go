package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/klauspost/compress/zstd"

	appctx "stockledger/internal/core/context"
	"stockledger/internal/core/id"
	"stockledger/internal/domain/audit"
)

// CompressionAlgo names how changes are stored.
type CompressionAlgo string

const (
	CompressionNone CompressionAlgo = "none"
	CompressionZstd CompressionAlgo = "zstd"
)

// DefaultCompressThreshold is the size above which changes are compressed.
const DefaultCompressThreshold = 8 * 1024

// auditRow is a sys_audit row.
type auditRow struct {
	ID                id.ID           `db:"id"`
	TenantID          string          `db:"tenant_id"`
	EntityType        string          `db:"entity_type"`
	EntityID          id.ID           `db:"entity_id"`
	Action            string          `db:"action"`
	ActorID           string          `db:"actor_id"`
	Changes           json.RawMessage `db:"changes"`
	ChangesCompressed []byte          `db:"changes_compressed"`
	CompressionAlgo   CompressionAlgo `db:"compression_algo"`
	CreatedAt         time.Time       `db:"created_at"`
}

// AuditService implements audit.Recorder on sys_audit. Large change sets are
// stored zstd-compressed.
type AuditService struct {
	txManager         *TxManager
	encoder           *zstd.Encoder
	decoder           *zstd.Decoder
	compressThreshold int
}

// NewAuditService creates a new audit service.
func NewAuditService(txManager *TxManager) (*AuditService, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &AuditService{
		txManager:         txManager,
		encoder:           encoder,
		decoder:           decoder,
		compressThreshold: DefaultCompressThreshold,
	}, nil
}

// Record inserts entry in the current transaction.
func (s *AuditService) Record(ctx context.Context, entry audit.Entry) error {
	row, err := s.toRow(ctx, entry)
	if err != nil {
		return err
	}
	_, err = s.txManager.GetQuerier(ctx).Exec(ctx, `
		INSERT INTO sys_audit (
			id, tenant_id, entity_type, entity_id, action, actor_id,
			changes, changes_compressed, compression_algo, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, row.ID, row.TenantID, row.EntityType, row.EntityID, row.Action, row.ActorID,
		row.Changes, row.ChangesCompressed, row.CompressionAlgo, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *AuditService) toRow(ctx context.Context, entry audit.Entry) (auditRow, error) {
	if id.IsNil(entry.ID) {
		entry.ID = id.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.ActorID == "" {
		entry.ActorID = appctx.GetActorID(ctx)
	}

	changes, err := json.Marshal(entry.Changes)
	if err != nil {
		return auditRow{}, fmt.Errorf("marshal changes: %w", err)
	}

	row := auditRow{
		ID:              entry.ID,
		TenantID:        entry.TenantID,
		EntityType:      entry.EntityType,
		EntityID:        entry.EntityID,
		Action:          string(entry.Action),
		ActorID:         entry.ActorID,
		Changes:         changes,
		CompressionAlgo: CompressionNone,
		CreatedAt:       entry.CreatedAt,
	}
	if len(changes) > s.compressThreshold {
		row.ChangesCompressed = s.encoder.EncodeAll(changes, nil)
		row.Changes = nil
		row.CompressionAlgo = CompressionZstd
	}
	return row, nil
}

func (s *AuditService) fromRow(row auditRow) (audit.Entry, error) {
	raw := []byte(row.Changes)
	if row.CompressionAlgo == CompressionZstd && len(row.ChangesCompressed) > 0 {
		decompressed, err := s.decoder.DecodeAll(row.ChangesCompressed, nil)
		if err != nil {
			return audit.Entry{}, fmt.Errorf("decompress changes of %s: %w", row.ID, err)
		}
		raw = decompressed
	}

	entry := audit.Entry{
		ID:         row.ID,
		TenantID:   row.TenantID,
		EntityType: row.EntityType,
		EntityID:   row.EntityID,
		Action:     audit.Action(row.Action),
		ActorID:    row.ActorID,
		CreatedAt:  row.CreatedAt,
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &entry.Changes); err != nil {
			return audit.Entry{}, fmt.Errorf("unmarshal changes of %s: %w", row.ID, err)
		}
	}
	return entry, nil
}

// GetEntityHistory returns the newest entries for an entity first.
func (s *AuditService) GetEntityHistory(ctx context.Context, tenantID, entityType string, entityID id.ID, limit int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []auditRow
	if err := pgxscan.Select(ctx, s.txManager.GetQuerier(ctx), &rows, `
		SELECT id, tenant_id, entity_type, entity_id, action, actor_id,
		       changes, changes_compressed, compression_algo, created_at
		FROM sys_audit
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, tenantID, entityType, entityID, limit); err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}

	entries := make([]audit.Entry, 0, len(rows))
	for _, row := range rows {
		e, err := s.fromRow(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

var _ audit.Recorder = (*AuditService)(nil)
