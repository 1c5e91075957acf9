package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tenderai/tenderd/internal/files"
	"github.com/tenderai/tenderd/internal/pipeline"
	"github.com/tenderai/tenderd/internal/retrieval"
	"github.com/tenderai/tenderd/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 50
	defaultListLimit   = 20
	maxListLimit       = 100
)

// searchLimit resolves the configured default search limit.
func searchLimit(configured int) int {
	if configured <= 0 {
		return defaultSearchLimit
	}
	return min(configured, maxSearchLimit)
}

// Service is the proposal index as seen by the HTTP and MCP layers.
// *pipeline.Service implements it.
type Service interface {
	VectorEnabled() bool
	SaveProposal(ctx context.Context, rec storage.ProposalRecord) (int64, error)
	Get(ctx context.Context, naturalKey string) (storage.ProposalRecord, error)
	Delete(ctx context.Context, naturalKey string) error
	ListIndexed(ctx context.Context, offset, limit int) ([]storage.ProposalRecord, error)
	Stats(ctx context.Context) (pipeline.Stats, error)
	SearchWithOptions(ctx context.Context, q retrieval.Query) ([]pipeline.SearchResult, error)
	GetContext(ctx context.Context, query string) (pipeline.ContextResult, error)
	PrepareFolder(ctx context.Context, name string) (files.FolderContent, error)
}

type AppDeps struct {
	Service Service
	Token   string
	// SearchLimit is the result count when /search has no limit parameter.
	SearchLimit int
	// MCP, when set, is mounted at /mcp behind the same bearer auth.
	MCP http.Handler
}

// NewAppHandler builds the HTTP surface. /health is unauthenticated.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/proposals", handleSaveProposal(deps))
		r.Get("/proposals", handleListProposals(deps))
		r.Get("/proposals/stats", handleStats(deps))
		r.Get("/proposals/{key}", handleGetProposal(deps))
		r.Delete("/proposals/{key}", handleDeleteProposal(deps))
		r.Get("/search", handleSearch(deps))
		r.Get("/context", handleContext(deps))
		r.Get("/folders/{name}", handleFolder(deps))

		if deps.MCP != nil {
			r.Handle("/mcp", deps.MCP)
		}
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// pathParam returns a decoded chi URL parameter. Folder names routinely
// contain spaces, which arrive percent-encoded.
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func handleSaveProposal(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var rec storage.ProposalRecord
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		id, err := deps.Service.SaveProposal(r.Context(), rec)
		if err != nil {
			serviceError(w, err, "save proposal")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":          id,
			"natural_key": rec.NaturalKey,
			"status":      "indexed",
		})
	}
}

func handleListProposals(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", defaultListLimit, maxListLimit)
		offset := parseIntParam(r, "offset", 0, 0)

		recs, err := deps.Service.ListIndexed(r.Context(), offset, limit)
		if err != nil {
			serviceError(w, err, "list proposals")
			return
		}
		if recs == nil {
			recs = []storage.ProposalRecord{}
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Service.Stats(r.Context())
		if err != nil {
			serviceError(w, err, "compute stats")
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleGetProposal(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Service.Get(r.Context(), pathParam(r, "key"))
		if err != nil {
			serviceError(w, err, "get proposal")
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleDeleteProposal(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Service.Delete(r.Context(), pathParam(r, "key")); err != nil {
			serviceError(w, err, "delete proposal")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		limit := searchLimit(deps.SearchLimit)
		if s := q.Get("limit"); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be an integer")
				return
			}
			limit = min(v, maxSearchLimit)
		}
		mode, err := retrieval.ParseMode(q.Get("mode"))
		if err != nil {
			serviceError(w, err, "search")
			return
		}
		useVector := true
		if s := q.Get("vector"); s != "" {
			v, err := strconv.ParseBool(s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "vector must be a boolean")
				return
			}
			useVector = v
		}

		results, err := deps.Service.SearchWithOptions(r.Context(), retrieval.Query{
			Text:      q.Get("q"),
			Limit:     limit,
			UseVector: useVector,
			Mode:      mode,
			Sector:    q.Get("sector"),
		})
		if err != nil {
			serviceError(w, err, "search")
			return
		}

		writeJSON(w, http.StatusOK, searchResponse{
			Query:           q.Get("q"),
			SectorFilter:    q.Get("sector"),
			SearchMode:      effectiveMode(mode, useVector, deps.Service.VectorEnabled()),
			VectorAvailable: deps.Service.VectorEnabled(),
			ResultCount:     len(results),
			Matches:         results,
		})
	}
}

type searchResponse struct {
	Query           string                  `json:"query"`
	SectorFilter    string                  `json:"sector_filter,omitempty"`
	SearchMode      retrieval.Mode          `json:"search_mode"`
	VectorAvailable bool                    `json:"vector_available"`
	ResultCount     int                     `json:"result_count"`
	Matches         []pipeline.SearchResult `json:"matches"`
}

// effectiveMode reports which tiers a search actually used. Semantic mode
// without a vector tier stays semantic and returns nothing.
func effectiveMode(m retrieval.Mode, useVector, vectorOK bool) retrieval.Mode {
	switch {
	case m == retrieval.ModeAuto && vectorOK && useVector:
		return retrieval.ModeHybrid
	case m == retrieval.ModeAuto, m == retrieval.ModeHybrid && !vectorOK:
		return retrieval.ModeKeyword
	}
	return m
}

func handleContext(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Service.GetContext(r.Context(), r.URL.Query().Get("q"))
		if err != nil {
			serviceError(w, err, "build context")
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleFolder(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		content, err := deps.Service.PrepareFolder(r.Context(), pathParam(r, "name"))
		if err != nil {
			serviceError(w, err, "read folder")
			return
		}
		writeJSON(w, http.StatusOK, content)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
