package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const proposalColumns = `id, natural_key, tender_number, title, client, sector, country,
	technical_summary, pricing_summary, total_price, margin_info, full_summary,
	technologies, keywords, file_list, file_count, content_hash, indexed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (ProposalRecord, error) {
	var r ProposalRecord
	var techs, kws, files, indexedAt, updatedAt string
	err := row.Scan(
		&r.ID, &r.NaturalKey, &r.TenderNumber, &r.Title, &r.Client, &r.Sector, &r.Country,
		&r.TechnicalSummary, &r.PricingSummary, &r.TotalPrice, &r.MarginInfo, &r.FullSummary,
		&techs, &kws, &files, &r.FileCount, &r.ContentHash, &indexedAt, &updatedAt,
	)
	if err != nil {
		return ProposalRecord{}, err
	}
	if r.Technologies, err = decodeTags(techs); err != nil {
		return ProposalRecord{}, fmt.Errorf("decoding technologies for %s: %w", r.NaturalKey, err)
	}
	if r.Keywords, err = decodeTags(kws); err != nil {
		return ProposalRecord{}, fmt.Errorf("decoding keywords for %s: %w", r.NaturalKey, err)
	}
	if r.FileList, err = decodeTags(files); err != nil {
		return ProposalRecord{}, fmt.Errorf("decoding file_list for %s: %w", r.NaturalKey, err)
	}
	if r.IndexedAt, err = ParseTime(indexedAt); err != nil {
		return ProposalRecord{}, fmt.Errorf("parsing indexed_at for %s: %w", r.NaturalKey, err)
	}
	if r.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return ProposalRecord{}, fmt.Errorf("parsing updated_at for %s: %w", r.NaturalKey, err)
	}
	return r, nil
}

func encodeTags(tags []string) (string, error) {
	if len(tags) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeTags(s string) ([]string, error) {
	if s == "" {
		return []string{}, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(s), &tags); err != nil {
		return nil, err
	}
	if tags == nil {
		tags = []string{}
	}
	return tags, nil
}

// UpsertProposalTx inserts rec, or overwrites the row with the same natural
// key in place. The returned record carries the stable ID, the original
// IndexedAt and an UpdatedAt strictly after the previous one.
func (s *Store) UpsertProposalTx(ctx context.Context, tx *sql.Tx, rec ProposalRecord, now time.Time) (ProposalRecord, error) {
	techs, err := encodeTags(rec.Technologies)
	if err != nil {
		return ProposalRecord{}, fmt.Errorf("encoding technologies: %w", err)
	}
	kws, err := encodeTags(rec.Keywords)
	if err != nil {
		return ProposalRecord{}, fmt.Errorf("encoding keywords: %w", err)
	}
	files, err := encodeTags(rec.FileList)
	if err != nil {
		return ProposalRecord{}, fmt.Errorf("encoding file_list: %w", err)
	}
	if rec.ContentHash == "" {
		rec.ContentHash = rec.ComputeHash()
	}
	now = now.UTC()

	var id int64
	var indexedAt, prevUpdated string
	err = tx.QueryRowContext(ctx,
		`SELECT id, indexed_at, updated_at FROM proposals WHERE natural_key = ?`, rec.NaturalKey,
	).Scan(&id, &indexedAt, &prevUpdated)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx, `
			INSERT INTO proposals (natural_key, tender_number, title, client, sector, country,
				technical_summary, pricing_summary, total_price, margin_info, full_summary,
				technologies, keywords, file_list, file_count, content_hash, indexed_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.NaturalKey, rec.TenderNumber, rec.Title, rec.Client, rec.Sector, rec.Country,
			rec.TechnicalSummary, rec.PricingSummary, rec.TotalPrice, rec.MarginInfo, rec.FullSummary,
			techs, kws, files, rec.FileCount, rec.ContentHash, FormatTime(now), FormatTime(now),
		)
		if err != nil {
			return ProposalRecord{}, fmt.Errorf("inserting proposal %s: %w", rec.NaturalKey, err)
		}
		if rec.ID, err = res.LastInsertId(); err != nil {
			return ProposalRecord{}, fmt.Errorf("reading id for %s: %w", rec.NaturalKey, err)
		}
		rec.IndexedAt, rec.UpdatedAt = now, now
		return rec, nil

	case err != nil:
		return ProposalRecord{}, fmt.Errorf("looking up proposal %s: %w", rec.NaturalKey, err)
	}

	prev, err := ParseTime(prevUpdated)
	if err != nil {
		return ProposalRecord{}, fmt.Errorf("parsing updated_at for %s: %w", rec.NaturalKey, err)
	}
	updated := now
	if !updated.After(prev) {
		updated = prev.Add(time.Nanosecond)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE proposals SET tender_number = ?, title = ?, client = ?, sector = ?, country = ?,
			technical_summary = ?, pricing_summary = ?, total_price = ?, margin_info = ?, full_summary = ?,
			technologies = ?, keywords = ?, file_list = ?, file_count = ?, content_hash = ?, updated_at = ?
		WHERE id = ?`,
		rec.TenderNumber, rec.Title, rec.Client, rec.Sector, rec.Country,
		rec.TechnicalSummary, rec.PricingSummary, rec.TotalPrice, rec.MarginInfo, rec.FullSummary,
		techs, kws, files, rec.FileCount, rec.ContentHash, FormatTime(updated), id,
	)
	if err != nil {
		return ProposalRecord{}, fmt.Errorf("updating proposal %s: %w", rec.NaturalKey, err)
	}

	rec.ID = id
	if rec.IndexedAt, err = ParseTime(indexedAt); err != nil {
		return ProposalRecord{}, fmt.Errorf("parsing indexed_at for %s: %w", rec.NaturalKey, err)
	}
	rec.UpdatedAt = updated
	return rec, nil
}

// DeleteProposalTx removes the record with the given natural key and returns
// its ID so that derived entries can be removed in the same transaction.
func (s *Store) DeleteProposalTx(ctx context.Context, tx *sql.Tx, naturalKey string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM proposals WHERE natural_key = ?`, naturalKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("looking up proposal %s: %w", naturalKey, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM proposals WHERE id = ?`, id); err != nil {
		return 0, fmt.Errorf("deleting proposal %s: %w", naturalKey, err)
	}
	return id, nil
}

// GetProposalByKey returns the record for a natural key.
func (s *Store) GetProposalByKey(ctx context.Context, naturalKey string) (ProposalRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE natural_key = ?`, naturalKey)
	r, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ProposalRecord{}, ErrNotFound
	}
	return r, err
}

// GetProposal returns the record with the given surrogate ID.
func (s *Store) GetProposal(ctx context.Context, id int64) (ProposalRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id)
	r, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ProposalRecord{}, ErrNotFound
	}
	return r, err
}

// GetProposals hydrates ids in the order given. IDs without a record are
// skipped rather than reported.
func (s *Store) GetProposals(ctx context.Context, ids []int64) ([]ProposalRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE id IN (?` +
		strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying proposals by id: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]ProposalRecord, len(ids))
	for rows.Next() {
		r, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		byID[r.ID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating proposals: %w", err)
	}

	out := make([]ProposalRecord, 0, len(byID))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListProposals returns records most recently updated first.
func (s *Store) ListProposals(ctx context.Context, offset, limit int) ([]ProposalRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing proposals: %w", err)
	}
	defer rows.Close()

	var out []ProposalRecord
	for rows.Next() {
		r, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountProposals returns the number of indexed records.
func (s *Store) CountProposals(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM proposals`).Scan(&n)
	return n, err
}

// ProposalStats aggregates the corpus by sector and country. Empty values
// are reported under "unknown".
func (s *Store) ProposalStats(ctx context.Context) (ProposalStats, error) {
	stats := ProposalStats{
		BySector:  make(map[string]int),
		ByCountry: make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT sector, country, total_price FROM proposals`)
	if err != nil {
		return ProposalStats{}, fmt.Errorf("querying proposal stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sector, country string
		var price float64
		if err := rows.Scan(&sector, &country, &price); err != nil {
			return ProposalStats{}, fmt.Errorf("scanning proposal stats: %w", err)
		}
		stats.Total++
		stats.BySector[orUnknown(sector)]++
		stats.ByCountry[orUnknown(country)]++
		stats.TotalValue += price
	}
	return stats, rows.Err()
}

func orUnknown(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "unknown"
	}
	return s
}
