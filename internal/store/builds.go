package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// BuildRecord is one row of the builds table.
type BuildRecord struct {
	ID         string    `json:"id"`
	GraphHash  string    `json:"graph_hash"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Outcome    string    `json:"outcome"`
	Total      int       `json:"total"`
	Executed   int       `json:"executed"`
	CacheHits  int       `json:"cache_hits"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
}

// StartBuild records a running build. Duplicate IDs are ignored.
func (s *Store) StartBuild(ctx context.Context, id, graphHash string, started time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO builds (id, graph_hash, started_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, graphHash, started.UnixNano())
	if err != nil {
		return fmt.Errorf("start build: %w", err)
	}
	return nil
}

// FinishBuild stores the outcome and counts of rec.
func (s *Store) FinishBuild(ctx context.Context, rec BuildRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE builds SET
			finished_at = ?, outcome = ?, total = ?, executed = ?,
			cache_hits = ?, failed = ?, skipped = ?
		WHERE id = ?
	`, rec.FinishedAt.UnixNano(), rec.Outcome, rec.Total, rec.Executed,
		rec.CacheHits, rec.Failed, rec.Skipped, rec.ID)
	if err != nil {
		return fmt.Errorf("finish build: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish build: unknown build %q", rec.ID)
	}
	return nil
}

// RecentBuilds returns up to limit builds, most recently started first.
func (s *Store) RecentBuilds(ctx context.Context, limit int) ([]BuildRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, graph_hash, started_at, finished_at, outcome,
		       total, executed, cache_hits, failed, skipped
		FROM builds
		ORDER BY started_at DESC, id COLLATE BINARY ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query builds: %w", err)
	}
	defer rows.Close()

	builds := []BuildRecord{}
	for rows.Next() {
		var (
			rec      BuildRecord
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.GraphHash, &started, &finished, &rec.Outcome,
			&rec.Total, &rec.Executed, &rec.CacheHits, &rec.Failed, &rec.Skipped); err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		rec.StartedAt = time.Unix(0, started)
		if finished.Valid {
			rec.FinishedAt = time.Unix(0, finished.Int64)
		}
		builds = append(builds, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate builds: %w", err)
	}
	return builds, nil
}
