package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"lexdraft/api/internal/export"
	"lexdraft/api/internal/model"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// RecordActivity upserts an activity entry; completing an entry rewrites its status
// and completion time.
func (s *PostgresStore) RecordActivity(ctx context.Context, evt model.ActivityEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_events (id, draft_id, agent, category, action, status, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at
	`, evt.ID, evt.DraftID, evt.Agent, evt.Category, evt.Action, string(evt.Status), evt.CreatedAt, evt.CompletedAt)
	if err != nil {
		return fmt.Errorf("record activity %s: %w", evt.ID, err)
	}
	return nil
}

// ListActivity returns the most recent entries of a draft, oldest first.
func (s *PostgresStore) ListActivity(ctx context.Context, draftID string, limit int) ([]model.ActivityEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, draft_id, agent, category, action, status, created_at, completed_at
		FROM (
			SELECT * FROM activity_events
			WHERE draft_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC
	`, draftID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	items := make([]model.ActivityEvent, 0)
	for rows.Next() {
		var evt model.ActivityEvent
		var status string
		var completedAt sql.NullTime
		if err := rows.Scan(&evt.ID, &evt.DraftID, &evt.Agent, &evt.Category, &evt.Action, &status, &evt.CreatedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		evt.Status = model.ActivityStatus(status)
		if completedAt.Valid {
			at := completedAt.Time
			evt.CompletedAt = &at
		}
		items = append(items, evt)
	}
	return items, rows.Err()
}

// SaveAssembly stores a snapshot of an explicit assembly.
func (s *PostgresStore) SaveAssembly(ctx context.Context, result model.AssemblyResult, archiveHash string) (int64, error) {
	sectionIDs := result.SectionIDs
	if sectionIDs == nil {
		sectionIDs = []string{}
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO assemblies (draft_id, body, css, section_ids, external_doc_id, embed_url, archive_hash, assembled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, result.DraftID, result.Body, result.CSS, sectionIDs, result.ExternalDocID, result.EmbedURL, archiveHash, result.AssembledAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert assembly: %w", err)
	}
	return id, nil
}

// LatestAssembly returns the newest snapshot of a draft; ok is false when none exists.
func (s *PostgresStore) LatestAssembly(ctx context.Context, draftID string) (AssemblySnapshot, bool, error) {
	var snap AssemblySnapshot
	var sectionIDs []string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, draft_id, body, css, section_ids, external_doc_id, embed_url, archive_hash, assembled_at, recorded_at
		FROM assemblies
		WHERE draft_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1
	`, draftID).Scan(&snap.ID, &snap.DraftID, &snap.Body, &snap.CSS, pgtype.NewMap().SQLScanner(&sectionIDs), &snap.ExternalDoc, &snap.EmbedURL, &snap.ArchiveHash, &snap.AssembledAt, &snap.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AssemblySnapshot{}, false, nil
	}
	if err != nil {
		return AssemblySnapshot{}, false, fmt.Errorf("latest assembly: %w", err)
	}
	snap.SectionIDs = sectionIDs
	return snap, true, nil
}

// Result converts a snapshot back into the shape the workflow uses.
func (a AssemblySnapshot) Result() model.AssemblyResult {
	return model.AssemblyResult{
		DraftID:       a.DraftID,
		Body:          a.Body,
		CSS:           a.CSS,
		SectionIDs:    a.SectionIDs,
		ExternalDocID: a.ExternalDoc,
		EmbedURL:      a.EmbedURL,
		AssembledAt:   a.AssembledAt,
	}
}

func (s *PostgresStore) InsertExportRecord(ctx context.Context, record ExportRecord) error {
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO export_records (draft_id, format, content_key, filename, size_bytes, url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, record.DraftID, record.Format, record.ContentKey, record.Filename, record.SizeBytes, record.URL, createdAt)
	if err != nil {
		return fmt.Errorf("insert export record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListExportRecords(ctx context.Context, draftID string, limit int) ([]ExportRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, draft_id, format, content_key, filename, size_bytes, url, created_at
		FROM export_records
		WHERE draft_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, draftID, limit)
	if err != nil {
		return nil, fmt.Errorf("list export records: %w", err)
	}
	defer rows.Close()

	items := make([]ExportRecord, 0)
	for rows.Next() {
		var r ExportRecord
		if err := rows.Scan(&r.ID, &r.DraftID, &r.Format, &r.ContentKey, &r.Filename, &r.SizeBytes, &r.URL, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan export record: %w", err)
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

// RecordExport writes the audit row for a produced export.
func (s *PostgresStore) RecordExport(ctx context.Context, draftID string, result *export.Result, format export.Format) error {
	return s.InsertExportRecord(ctx, ExportRecord{
		DraftID:    draftID,
		Format:     string(format),
		ContentKey: result.Key,
		Filename:   result.Filename,
		SizeBytes:  len(result.Data),
		URL:        result.URL,
	})
}
