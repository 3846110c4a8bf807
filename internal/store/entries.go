package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/hermetic/internal/ir"
)

const entryColumns = `strong_fp, weak_fp, selector_hash, selector_output, outputs, observed_inputs, pip, seq`

// PutEntry inserts e unless an entry with the same strong fingerprint
// exists. It reports whether a row was written.
func (s *Store) PutEntry(ctx context.Context, e ir.CacheEntry) (bool, error) {
	args, err := entryArgs(e)
	if err != nil {
		return false, fmt.Errorf("put entry: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(strong_fp) DO NOTHING
	`, args...)
	if err != nil {
		return false, fmt.Errorf("put entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("put entry: %w", err)
	}
	return n > 0, nil
}

// ReplaceEntry writes e, overwriting any entry with the same strong
// fingerprint.
func (s *Store) ReplaceEntry(ctx context.Context, e ir.CacheEntry) error {
	args, err := entryArgs(e)
	if err != nil {
		return fmt.Errorf("replace entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(strong_fp) DO UPDATE SET
			weak_fp = excluded.weak_fp,
			selector_hash = excluded.selector_hash,
			selector_output = excluded.selector_output,
			outputs = excluded.outputs,
			observed_inputs = excluded.observed_inputs,
			pip = excluded.pip,
			seq = excluded.seq
	`, args...)
	if err != nil {
		return fmt.Errorf("replace entry: %w", err)
	}
	return nil
}

// GetEntry loads the entry for sf.
func (s *Store) GetEntry(ctx context.Context, sf ir.StrongFingerprint) (ir.CacheEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM cache_entries
		WHERE strong_fp = ?
	`, sf.String())
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.CacheEntry{}, false, nil
	}
	if err != nil {
		return ir.CacheEntry{}, false, err
	}
	return e, true, nil
}

// EntriesByWeak returns the weak-fingerprint family, newest first.
// Returns an empty slice (not nil) when the family is empty.
func (s *Store) EntriesByWeak(ctx context.Context, wf ir.WeakFingerprint) ([]ir.CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM cache_entries
		WHERE weak_fp = ?
		ORDER BY seq DESC, strong_fp COLLATE BINARY ASC
	`, wf.String())
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	entries := []ir.CacheEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// LiveHashes returns every output hash referenced by a persisted entry.
// It is the live set for content store garbage collection.
func (s *Store) LiveHashes(ctx context.Context) (map[ir.ContentHash]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outputs FROM cache_entries`)
	if err != nil {
		return nil, fmt.Errorf("query outputs: %w", err)
	}
	defer rows.Close()

	live := make(map[ir.ContentHash]struct{})
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan outputs: %w", err)
		}
		outputs, err := decodeList[ir.OutputRef]("outputs", raw)
		if err != nil {
			return nil, err
		}
		for _, o := range outputs {
			if !o.Hash.IsZero() {
				live[o.Hash] = struct{}{}
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outputs: %w", err)
	}
	return live, nil
}

// MaxSeq returns the highest persisted entry seq, or 0 for an empty store.
// The engine clock resumes from it so seq stays monotonic across runs.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM cache_entries`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("query max seq: %w", err)
	}
	return seq.Int64, nil
}

func entryArgs(e ir.CacheEntry) ([]any, error) {
	if e.Strong.IsZero() || e.Weak.IsZero() {
		return nil, fmt.Errorf("entry is missing a fingerprint")
	}
	outputs, err := encodeList("outputs", e.Outputs)
	if err != nil {
		return nil, err
	}
	observed, err := encodeList("observed_inputs", e.ObservedInputs)
	if err != nil {
		return nil, err
	}
	var selOut any
	if len(e.Selector.Output) > 0 {
		selOut = e.Selector.Output
	}
	return []any{
		e.Strong.String(),
		e.Weak.String(),
		e.Selector.ContentHash.String(),
		selOut,
		outputs,
		observed,
		e.Pip,
		e.Seq,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (ir.CacheEntry, error) {
	var (
		strong, weak, selHash, outputs, observed, pip string
		selOut                                        []byte
		seq                                           int64
	)
	if err := row.Scan(&strong, &weak, &selHash, &selOut, &outputs, &observed, &pip, &seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.CacheEntry{}, err
		}
		return ir.CacheEntry{}, fmt.Errorf("scan entry: %w", err)
	}

	var e ir.CacheEntry
	var err error
	if e.Strong, err = ir.ParseStrongFingerprint(strong); err != nil {
		return ir.CacheEntry{}, fmt.Errorf("scan entry: strong fingerprint: %w", err)
	}
	if e.Weak, err = ir.ParseWeakFingerprint(weak); err != nil {
		return ir.CacheEntry{}, fmt.Errorf("scan entry: weak fingerprint: %w", err)
	}
	var h ir.ContentHash
	if selHash != "" {
		if h, err = ir.ParseContentHash(selHash); err != nil {
			return ir.CacheEntry{}, fmt.Errorf("scan entry: selector: %w", err)
		}
	}
	e.Selector = ir.NewSelector(h, selOut)
	if e.Outputs, err = decodeList[ir.OutputRef]("outputs", outputs); err != nil {
		return ir.CacheEntry{}, err
	}
	if e.ObservedInputs, err = decodeList[ir.ObservedInput]("observed_inputs", observed); err != nil {
		return ir.CacheEntry{}, err
	}
	e.Pip = pip
	e.Seq = seq
	return e, nil
}
