package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ProposalRecord is one indexed past-proposal folder. NaturalKey is the
// folder name and is unique; ID is the surrogate assigned on first insert.
type ProposalRecord struct {
	ID               int64     `json:"id"`
	NaturalKey       string    `json:"natural_key"`
	TenderNumber     string    `json:"tender_number"`
	Title            string    `json:"title"`
	Client           string    `json:"client"`
	Sector           string    `json:"sector"`
	Country          string    `json:"country"`
	TechnicalSummary string    `json:"technical_summary"`
	PricingSummary   string    `json:"pricing_summary"`
	TotalPrice       float64   `json:"total_price"`
	MarginInfo       string    `json:"margin_info"`
	FullSummary      string    `json:"full_summary"`
	Technologies     []string  `json:"technologies"`
	Keywords         []string  `json:"keywords"`
	FileList         []string  `json:"file_list"`
	FileCount        int       `json:"file_count"`
	ContentHash      string    `json:"content_hash,omitempty"`
	IndexedAt        time.Time `json:"indexed_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ComputeHash returns a digest of every caller-supplied field. Identity and
// timestamps are excluded so that re-indexing identical content is detectable.
func (r ProposalRecord) ComputeHash() string {
	content := struct {
		Key, Tender, Title, Client, Sector, Country string
		Tech, Pricing, Margin, Full                 string
		Price                                       float64
		Technologies, Keywords, Files               []string
		FileCount                                   int
	}{
		r.NaturalKey, r.TenderNumber, r.Title, r.Client, r.Sector, r.Country,
		r.TechnicalSummary, r.PricingSummary, r.MarginInfo, r.FullSummary,
		r.TotalPrice,
		nonNil(r.Technologies), nonNil(r.Keywords), nonNil(r.FileList),
		r.FileCount,
	}
	b, _ := json.Marshal(content)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// ProposalStats aggregates the indexed corpus for listing views.
type ProposalStats struct {
	Total      int            `json:"total"`
	BySector   map[string]int `json:"by_sector"`
	ByCountry  map[string]int `json:"by_country"`
	TotalValue float64        `json:"total_value"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
