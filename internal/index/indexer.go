package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tenderai/tenderd/internal/retrieval"
	"github.com/tenderai/tenderd/internal/storage"
)

// ErrInvalidRecord wraps every record validation failure.
var ErrInvalidRecord = errors.New("invalid proposal record")

// ErrVectorDisabled is returned by Backfill when no embedder is configured.
var ErrVectorDisabled = errors.New("vector tier is disabled")

// KeywordWriter maintains the keyword index inside a transaction.
type KeywordWriter interface {
	Replace(ctx context.Context, tx *sql.Tx, rec storage.ProposalRecord) error
	Remove(ctx context.Context, tx *sql.Tx, id int64) error
}

// VectorWriter maintains the vector index inside a transaction.
type VectorWriter interface {
	Replace(ctx context.Context, tx *sql.Tx, recordID int64, vec []float32, model string, now time.Time) error
	Remove(ctx context.Context, tx *sql.Tx, recordID int64) error
	Has(ctx context.Context, recordID int64) (bool, error)
}

// DocumentEmbedder computes the stored vector for a proposal.
type DocumentEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// BackfillPayload is the JSON payload of a storage.JobVectorBackfill job.
type BackfillPayload struct {
	RecordID    int64  `json:"record_id"`
	ContentHash string `json:"content_hash"`
}

// Indexer is the single write path for proposals. Every mutation of a
// record and its keyword and vector entries happens in one transaction.
type Indexer struct {
	store    *storage.Store
	keyword  KeywordWriter
	vectors  VectorWriter
	embedder DocumentEmbedder
	locks    *keyLocker
	now      func() time.Time
	logger   *slog.Logger
}

// New creates an Indexer. vectors may be non-nil with a nil embedder: stale
// vectors are then removed on write but none are computed.
func New(store *storage.Store, keyword KeywordWriter, vectors VectorWriter, embedder DocumentEmbedder) *Indexer {
	return &Indexer{
		store:    store,
		keyword:  keyword,
		vectors:  vectors,
		embedder: embedder,
		locks:    newKeyLocker(),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   slog.Default().With("component", "indexer"),
	}
}

// VectorEnabled reports whether Index computes embeddings.
func (ix *Indexer) VectorEnabled() bool {
	return ix.vectors != nil && ix.embedder != nil
}

// Validate checks rec and fills FileCount from FileList when it is unset.
func Validate(rec *storage.ProposalRecord) error {
	key := rec.NaturalKey
	switch {
	case strings.TrimSpace(key) == "":
		return fmt.Errorf("%w: natural key is empty", ErrInvalidRecord)
	case strings.ContainsAny(key, `/\`):
		return fmt.Errorf("%w: natural key %q contains a path separator", ErrInvalidRecord, key)
	case strings.HasPrefix(key, ".") || strings.HasPrefix(key, "_"):
		return fmt.Errorf("%w: natural key %q must not start with '.' or '_'", ErrInvalidRecord, key)
	case rec.TotalPrice < 0 || math.IsNaN(rec.TotalPrice) || math.IsInf(rec.TotalPrice, 0):
		return fmt.Errorf("%w: total price %v must be a non-negative number", ErrInvalidRecord, rec.TotalPrice)
	case rec.FileCount < 0:
		return fmt.Errorf("%w: file count %d is negative", ErrInvalidRecord, rec.FileCount)
	}
	if rec.FileCount == 0 {
		rec.FileCount = len(rec.FileList)
	}
	return nil
}

// Index inserts or updates rec by natural key and returns its ID. Writing
// identical content again is a no-op that returns the existing ID.
func (ix *Indexer) Index(ctx context.Context, rec storage.ProposalRecord) (int64, error) {
	if err := Validate(&rec); err != nil {
		return 0, err
	}
	unlock := ix.locks.Lock(rec.NaturalKey)
	defer unlock()

	rec.ID = 0
	rec.ContentHash = rec.ComputeHash()

	existing, err := ix.store.GetProposalByKey(ctx, rec.NaturalKey)
	switch {
	case err == nil:
		if existing.ContentHash == rec.ContentHash {
			ok, err := ix.vectorSatisfied(ctx, existing.ID)
			if err != nil {
				return 0, fmt.Errorf("checking vector for %s: %w", rec.NaturalKey, err)
			}
			if ok {
				ix.logger.Debug("proposal unchanged", "key", rec.NaturalKey, "id", existing.ID)
				return existing.ID, nil
			}
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		return 0, fmt.Errorf("loading proposal %s: %w", rec.NaturalKey, err)
	}

	// Embed before the transaction so no network call holds the writer.
	var vec []float32
	var embedErr error
	if ix.VectorEnabled() {
		vec, embedErr = ix.embedder.Embed(ctx, retrieval.DocumentText(rec))
		if embedErr != nil {
			ix.logger.Warn("embedding failed, queueing backfill", "key", rec.NaturalKey, "error", embedErr)
		}
	}

	now := ix.now()
	var saved storage.ProposalRecord
	err = ix.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		if saved, err = ix.store.UpsertProposalTx(ctx, tx, rec, now); err != nil {
			return err
		}
		if err := ix.keyword.Replace(ctx, tx, saved); err != nil {
			return err
		}
		if ix.vectors == nil {
			return nil
		}
		if ix.embedder != nil && embedErr == nil {
			return ix.vectors.Replace(ctx, tx, saved.ID, vec, ix.embedder.Model(), now)
		}
		if err := ix.vectors.Remove(ctx, tx, saved.ID); err != nil {
			return err
		}
		if ix.embedder == nil {
			return nil
		}
		return ix.enqueueBackfill(ctx, tx, saved)
	})
	if err != nil {
		return 0, fmt.Errorf("indexing proposal %s: %w", rec.NaturalKey, err)
	}

	ix.logger.Info("proposal indexed",
		"key", saved.NaturalKey, "id", saved.ID, "vector", ix.VectorEnabled() && embedErr == nil)
	return saved.ID, nil
}

func (ix *Indexer) vectorSatisfied(ctx context.Context, id int64) (bool, error) {
	if !ix.VectorEnabled() {
		return true, nil
	}
	return ix.vectors.Has(ctx, id)
}

func (ix *Indexer) enqueueBackfill(ctx context.Context, tx *sql.Tx, rec storage.ProposalRecord) error {
	payload, err := json.Marshal(BackfillPayload{RecordID: rec.ID, ContentHash: rec.ContentHash})
	if err != nil {
		return err
	}
	return ix.store.EnqueueJobTx(ctx, tx, storage.Job{
		ID:          uuid.New().String(),
		Type:        storage.JobVectorBackfill,
		PayloadJSON: string(payload),
	})
}

// Delete removes the record and its derived entries. It returns
// storage.ErrNotFound when the key is unknown.
func (ix *Indexer) Delete(ctx context.Context, naturalKey string) error {
	unlock := ix.locks.Lock(naturalKey)
	defer unlock()

	err := ix.store.WithTx(ctx, func(tx *sql.Tx) error {
		id, err := ix.store.DeleteProposalTx(ctx, tx, naturalKey)
		if err != nil {
			return err
		}
		if ix.vectors != nil {
			if err := ix.vectors.Remove(ctx, tx, id); err != nil {
				return err
			}
		}
		return ix.keyword.Remove(ctx, tx, id)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("deleting proposal %s: %w", naturalKey, err)
	}
	ix.logger.Info("proposal deleted", "key", naturalKey)
	return nil
}

// Backfill computes the missing vector for recordID. A record that was
// deleted, or whose content changed since the job was queued, is skipped.
func (ix *Indexer) Backfill(ctx context.Context, recordID int64, contentHash string) error {
	if !ix.VectorEnabled() {
		return ErrVectorDisabled
	}
	rec, err := ix.store.GetProposal(ctx, recordID)
	if errors.Is(err, storage.ErrNotFound) {
		ix.logger.Debug("backfill skipped, record gone", "id", recordID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading record %d: %w", recordID, err)
	}

	unlock := ix.locks.Lock(rec.NaturalKey)
	defer unlock()

	// Reload under the lock; a concurrent Index may have replaced it.
	rec, err = ix.store.GetProposal(ctx, recordID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading record %d: %w", recordID, err)
	}
	if rec.ContentHash != contentHash {
		ix.logger.Debug("backfill skipped, content changed", "key", rec.NaturalKey)
		return nil
	}

	vec, err := ix.embedder.Embed(ctx, retrieval.DocumentText(rec))
	if err != nil {
		return fmt.Errorf("embedding %s: %w", rec.NaturalKey, err)
	}
	err = ix.store.WithTx(ctx, func(tx *sql.Tx) error {
		return ix.vectors.Replace(ctx, tx, rec.ID, vec, ix.embedder.Model(), ix.now())
	})
	if err != nil {
		return fmt.Errorf("storing vector for %s: %w", rec.NaturalKey, err)
	}
	ix.logger.Info("vector backfilled", "key", rec.NaturalKey, "id", rec.ID)
	return nil
}
