package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tenderai/tenderd/internal/files"
	"github.com/tenderai/tenderd/internal/pipeline"
	"github.com/tenderai/tenderd/internal/storage"
)

const testToken = "test-token-12345"

func newTestService(t *testing.T, tree map[string]string) *pipeline.Service {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	root := t.TempDir()
	for rel, content := range tree {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return pipeline.New(store, files.NewLibrary(root), nil, pipeline.Options{})
}

func setupAppHandler(t *testing.T, tree map[string]string) http.Handler {
	t.Helper()
	return NewAppHandler(AppDeps{Service: newTestService(t, tree), Token: testToken})
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) (msg, typ string) {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error envelope: %v", err)
	}
	return body.Error.Message, body.Error.Type
}

const backboneJSON = `{
	"natural_key": "2023 Metro Backbone",
	"title": "Metro Backbone",
	"client": "City Utilities",
	"sector": "Telecom",
	"country": "KE",
	"technical_summary": "DWDM fiber ring across the metro area",
	"total_price": 125000,
	"technologies": ["DWDM", "MPLS"]
}`

func TestHealth_NoAuth(t *testing.T) {
	h := setupAppHandler(t, nil)
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestBearerAuth(t *testing.T) {
	h := setupAppHandler(t, nil)
	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"wrong", "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, authReq(http.MethodGet, "/proposals", "", tt.token))
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if _, typ := decodeError(t, rec); typ != "authentication_error" {
				t.Errorf("type = %q", typ)
			}
		})
	}
}

func TestBearerAuth_EmptyConfiguredToken(t *testing.T) {
	h := NewAppHandler(AppDeps{Service: newTestService(t, nil), Token: ""})
	rec := serve(h, authReq(http.MethodGet, "/proposals", "", " "))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestSaveAndGetProposal(t *testing.T) {
	h := setupAppHandler(t, map[string]string{"2023 Metro Backbone/offer.md": "# Offer"})

	rec := serve(h, authReq(http.MethodPost, "/proposals", backboneJSON, testToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST status = %d: %s", rec.Code, rec.Body.String())
	}
	var saved struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	json.NewDecoder(rec.Body).Decode(&saved)
	if saved.ID == 0 || saved.Status != "indexed" {
		t.Errorf("response = %+v", saved)
	}

	rec = serve(h, authReq(http.MethodGet, "/proposals/2023%20Metro%20Backbone", "", testToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d: %s", rec.Code, rec.Body.String())
	}
	var got storage.ProposalRecord
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Title != "Metro Backbone" || got.TotalPrice != 125000 {
		t.Errorf("record = %+v", got)
	}
	if len(got.FileList) != 1 || got.FileList[0] != "offer.md" {
		t.Errorf("file list = %v, want [offer.md]", got.FileList)
	}
}

func TestSaveProposal_BadRequests(t *testing.T) {
	h := setupAppHandler(t, nil)
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"natural_key":`},
		{"empty key", `{"natural_key":"","title":"x"}`},
		{"negative price", `{"natural_key":"a","total_price":-1}`},
		{"path separator", `{"natural_key":"../etc"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, authReq(http.MethodPost, "/proposals", tt.body, testToken))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
			if _, typ := decodeError(t, rec); typ != "invalid_request_error" {
				t.Errorf("type = %q", typ)
			}
		})
	}
}

func TestGetProposal_NotFound(t *testing.T) {
	h := setupAppHandler(t, nil)
	rec := serve(h, authReq(http.MethodGet, "/proposals/absent", "", testToken))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if _, typ := decodeError(t, rec); typ != "not_found" {
		t.Errorf("type = %q", typ)
	}
}

func TestDeleteProposal(t *testing.T) {
	h := setupAppHandler(t, nil)
	serve(h, authReq(http.MethodPost, "/proposals", backboneJSON, testToken))

	rec := serve(h, authReq(http.MethodDelete, "/proposals/2023%20Metro%20Backbone", "", testToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = serve(h, authReq(http.MethodDelete, "/proposals/2023%20Metro%20Backbone", "", testToken))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second DELETE status = %d, want 404", rec.Code)
	}
}

func TestListAndStats(t *testing.T) {
	h := setupAppHandler(t, nil)
	serve(h, authReq(http.MethodPost, "/proposals", backboneJSON, testToken))
	serve(h, authReq(http.MethodPost, "/proposals",
		`{"natural_key":"2021 Campus LAN","title":"Campus LAN","sector":"IT","total_price":5000}`, testToken))

	rec := serve(h, authReq(http.MethodGet, "/proposals?limit=1", "", testToken))
	var list []storage.ProposalRecord
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].NaturalKey != "2021 Campus LAN" {
		t.Errorf("list = %+v, want the most recently updated proposal", list)
	}

	rec = serve(h, authReq(http.MethodGet, "/proposals/stats", "", testToken))
	var st pipeline.Stats
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Total != 2 || st.TotalValue != 130000 || st.BySector["IT"] != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.VectorSearchAvailable {
		t.Error("vector search reported available without an engine")
	}
}

func TestSearch(t *testing.T) {
	h := setupAppHandler(t, nil)
	serve(h, authReq(http.MethodPost, "/proposals", backboneJSON, testToken))

	rec := serve(h, authReq(http.MethodGet, "/search?q=fiber+ring&sector=telecom", "", testToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp searchResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.ResultCount != 1 || resp.Matches[0].NaturalKey != "2023 Metro Backbone" {
		t.Errorf("response = %+v", resp)
	}
	if resp.SearchMode != "keyword" || resp.VectorAvailable {
		t.Errorf("mode = %q vector = %v", resp.SearchMode, resp.VectorAvailable)
	}
	if resp.Matches[0].KeywordRank != 1 {
		t.Errorf("keyword rank = %d, want 1", resp.Matches[0].KeywordRank)
	}
}

func TestSearch_Validation(t *testing.T) {
	h := setupAppHandler(t, nil)
	for _, url := range []string{
		"/search",
		"/search?q=%20%20",
		"/search?q=fiber&limit=-1",
		"/search?q=fiber&limit=abc",
		"/search?q=fiber&mode=bm25",
		"/search?q=fiber&vector=maybe",
	} {
		rec := serve(h, authReq(http.MethodGet, url, "", testToken))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want 400", url, rec.Code)
		}
	}
}

func TestSearch_LimitZero(t *testing.T) {
	h := setupAppHandler(t, nil)
	serve(h, authReq(http.MethodPost, "/proposals", backboneJSON, testToken))

	rec := serve(h, authReq(http.MethodGet, "/search?q=fiber&limit=0", "", testToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp searchResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.ResultCount != 0 || len(resp.Matches) != 0 {
		t.Errorf("got %d matches for limit 0", resp.ResultCount)
	}
}

func saveFiberProposals(t *testing.T, h http.Handler, n int) {
	t.Helper()
	for i := range n {
		body := fmt.Sprintf(`{"natural_key": "Fiber %d", "title": "Fiber rollout %d", "sector": "Telecom"}`, i, i)
		if rec := serve(h, authReq(http.MethodPost, "/proposals", body, testToken)); rec.Code != http.StatusOK {
			t.Fatalf("POST status = %d: %s", rec.Code, rec.Body.String())
		}
	}
}

func TestSearch_HugeLimit(t *testing.T) {
	h := setupAppHandler(t, nil)
	saveFiberProposals(t, h, 2)

	for _, url := range []string{
		"/search?q=fiber&limit=4611686018427387904",
		"/search?q=fiber&limit=9223372036854775807",
		"/search?q=fiber&limit=4611686018427387904&sector=telecom",
		"/search?q=fiber&limit=9223372036854775807&sector=telecom",
	} {
		rec := serve(h, authReq(http.MethodGet, url, "", testToken))
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s status = %d: %s", url, rec.Code, rec.Body.String())
		}
		var resp searchResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if resp.ResultCount != 2 {
			t.Errorf("GET %s result_count = %d, want 2", url, resp.ResultCount)
		}
	}
}

func TestSearch_ConfiguredDefaultLimit(t *testing.T) {
	h := NewAppHandler(AppDeps{Service: newTestService(t, nil), Token: testToken, SearchLimit: 2})
	saveFiberProposals(t, h, 4)

	tests := []struct {
		url  string
		want int
	}{
		{"/search?q=fiber", 2},
		{"/search?q=fiber&limit=3", 3},
	}
	for _, tt := range tests {
		rec := serve(h, authReq(http.MethodGet, tt.url, "", testToken))
		var resp searchResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if resp.ResultCount != tt.want {
			t.Errorf("GET %s result_count = %d, want %d", tt.url, resp.ResultCount, tt.want)
		}
	}
}

func TestSearchLimit(t *testing.T) {
	tests := []struct {
		configured, want int
	}{
		{0, defaultSearchLimit},
		{-3, defaultSearchLimit},
		{8, 8},
		{maxSearchLimit + 1, maxSearchLimit},
	}
	for _, tt := range tests {
		if got := searchLimit(tt.configured); got != tt.want {
			t.Errorf("searchLimit(%d) = %d, want %d", tt.configured, got, tt.want)
		}
	}
}

func TestContext(t *testing.T) {
	h := setupAppHandler(t, map[string]string{
		"2019 Depot/notes.txt": "diesel generators",
	})

	rec := serve(h, authReq(http.MethodGet, "/context?q=generators", "", testToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var res pipeline.ContextResult
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Tier != "listing" || len(res.References) != 1 {
		t.Errorf("result = %+v", res)
	}

	rec = serve(h, authReq(http.MethodGet, "/context", "", testToken))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty query status = %d, want 400", rec.Code)
	}
}

func TestFolder(t *testing.T) {
	h := setupAppHandler(t, map[string]string{
		"2023 Metro Backbone/offer.md":    "Scope: fiber ring",
		"2023 Metro Backbone/budget.xlsx": "binary",
	})

	rec := serve(h, authReq(http.MethodGet, "/folders/2023%20Metro%20Backbone", "", testToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var content files.FolderContent
	if err := json.NewDecoder(rec.Body).Decode(&content); err != nil {
		t.Fatal(err)
	}
	if content.FileCount != 2 || !strings.Contains(content.CombinedText, "fiber ring") {
		t.Errorf("content = %+v", content)
	}
	if len(content.Skipped) != 1 || content.Skipped[0] != "budget.xlsx" {
		t.Errorf("skipped = %v, want [budget.xlsx]", content.Skipped)
	}

	rec = serve(h, authReq(http.MethodGet, "/folders/absent", "", testToken))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing folder status = %d, want 404", rec.Code)
	}
}

func TestMCPMountedBehindAuth(t *testing.T) {
	var hit bool
	mcpHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hit = true })
	h := NewAppHandler(AppDeps{Service: newTestService(t, nil), Token: testToken, MCP: mcpHandler})

	rec := serve(h, authReq(http.MethodPost, "/mcp", `{}`, ""))
	if rec.Code != http.StatusUnauthorized || hit {
		t.Fatalf("unauthenticated /mcp: status = %d, reached handler = %v", rec.Code, hit)
	}
	serve(h, authReq(http.MethodPost, "/mcp", `{}`, testToken))
	if !hit {
		t.Error("authenticated /mcp did not reach the MCP handler")
	}
}
