package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode"

	"github.com/tenderai/tenderd/internal/storage"
)

// KeywordIndex is the FTS5 full-text index over proposals. Its rowid is the
// proposal id; rows are written only through Replace and Remove, inside the
// caller's transaction.
type KeywordIndex struct {
	db *sql.DB
}

// NewKeywordIndex wraps an existing *sql.DB. The proposals_fts table must
// already exist (created via migrations).
func NewKeywordIndex(db *sql.DB) *KeywordIndex {
	return &KeywordIndex{db: db}
}

// Replace deletes any existing entry for rec.ID and inserts the current
// field values.
func (k *KeywordIndex) Replace(ctx context.Context, tx *sql.Tx, rec storage.ProposalRecord) error {
	if rec.ID == 0 {
		return fmt.Errorf("keyword index: record %q has no id", rec.NaturalKey)
	}
	if err := k.Remove(ctx, tx, rec.ID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO proposals_fts (rowid, title, client, sector, country, technical_summary,
			pricing_summary, technologies, keywords, full_summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Title, rec.Client, rec.Sector, rec.Country, rec.TechnicalSummary,
		rec.PricingSummary, strings.Join(rec.Technologies, " "), strings.Join(rec.Keywords, " "),
		rec.FullSummary,
	)
	if err != nil {
		return fmt.Errorf("inserting keyword entry %d: %w", rec.ID, err)
	}
	return nil
}

// Remove deletes the entry for id. Removing an absent entry is not an error.
func (k *KeywordIndex) Remove(ctx context.Context, tx *sql.Tx, id int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM proposals_fts WHERE rowid = ?`, id); err != nil {
		return fmt.Errorf("deleting keyword entry %d: %w", id, err)
	}
	return nil
}

// Search returns up to limit proposals matching any query term, best bm25
// first. Ties go to the most recently updated proposal, then the lowest id.
func (k *KeywordIndex) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	match := SanitizeQuery(query)
	if match == "" || limit <= 0 {
		return nil, nil
	}

	rows, err := k.db.QueryContext(ctx, `
		SELECT p.id, bm25(proposals_fts) AS rank, p.updated_at
		FROM proposals_fts
		JOIN proposals p ON p.id = proposals_fts.rowid
		WHERE proposals_fts MATCH ?
		ORDER BY rank ASC, p.updated_at DESC, p.id ASC
		LIMIT ?`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			h       Hit
			rank    float64
			updated string
		)
		if err := rows.Scan(&h.ID, &rank, &updated); err != nil {
			return nil, fmt.Errorf("scanning keyword hit: %w", err)
		}
		h.Score = -rank
		if h.UpdatedAt, err = storage.ParseTime(updated); err != nil {
			return nil, fmt.Errorf("parsing updated_at for %d: %w", h.ID, err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// RowIDs returns every rowid in the index in ascending order.
func (k *KeywordIndex) RowIDs(ctx context.Context) ([]int64, error) {
	rows, err := k.db.QueryContext(ctx, `SELECT rowid FROM proposals_fts ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("listing keyword rowids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ftsSpecial are the characters FTS5 interprets as query syntax.
const ftsSpecial = `"()*^:{}`

// SanitizeQuery turns free text into a safe FTS5 expression. Balanced
// double quotes become phrase queries and a trailing * on a bare term
// becomes a prefix query; any other syntax character becomes a space.
// Terms without a letter or digit are dropped, and each remaining term is
// quoted and OR-joined. The result is empty when nothing searchable is left.
func SanitizeQuery(q string) string {
	// Odd quote counts are not phrases.
	chunks := []string{q}
	if strings.Count(q, `"`)%2 == 0 {
		chunks = strings.Split(q, `"`)
	}

	seen := make(map[string]bool)
	var terms []string
	add := func(term string) {
		key := strings.ToLower(term)
		if seen[key] {
			return
		}
		seen[key] = true
		terms = append(terms, term)
	}
	for i, chunk := range chunks {
		if i%2 == 1 {
			if words := ftsWords(chunk); len(words) > 0 {
				add(`"` + strings.Join(words, " ") + `"`)
			}
			continue
		}
		for _, f := range strings.Fields(chunk) {
			base := strings.TrimRight(f, "*")
			words := ftsWords(base)
			for k, w := range words {
				term := `"` + w + `"`
				if k == len(words)-1 && len(base) < len(f) {
					term += "*"
				}
				add(term)
			}
		}
	}
	return strings.Join(terms, " OR ")
}

// ftsWords splits s on whitespace and FTS5 syntax characters and keeps the
// words that contain a letter or digit.
func ftsWords(s string) []string {
	cleaned := strings.Map(func(r rune) rune {
		if strings.ContainsRune(ftsSpecial, r) {
			return ' '
		}
		return r
	}, s)
	var out []string
	for _, f := range strings.Fields(cleaned) {
		if strings.ContainsFunc(f, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsNumber(r) }) {
			out = append(out, f)
		}
	}
	return out
}
