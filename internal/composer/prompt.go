package composer

import (
	"fmt"
	"strings"

	"github.com/tenderai/tenderd/internal/cascade"
)

const defaultMaxContextTokens = 4000

// Composer packs retrieved references into one markdown block that can be
// pasted into a generation prompt.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for packed context.
// If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Compose renders refs in the order given. A reference that does not fit in
// the remaining budget is skipped; later, smaller ones may still fit. An
// empty string means nothing was packed.
func (c *Composer) Compose(tier string, refs []cascade.Reference) string {
	if len(refs) == 0 {
		return ""
	}

	header := fmt.Sprintf("## Past proposal references (source: %s)\n\n", tier)
	remaining := c.MaxContextTokens - EstimateTokens(header)

	var entries []string
	for _, r := range refs {
		entry := formatReference(r)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		entries = append(entries, entry)
		remaining -= tokens
	}
	if len(entries) == 0 {
		return ""
	}
	return header + strings.Join(entries, "")
}

func formatReference(r cascade.Reference) string {
	var sb strings.Builder
	sb.WriteString("### " + r.NaturalKey)
	if r.Title != "" && r.Title != r.NaturalKey {
		sb.WriteString(" | " + r.Title)
	}
	sb.WriteString("\n")
	var meta []string
	if r.Client != "" {
		meta = append(meta, "Client: "+r.Client)
	}
	if r.Sector != "" {
		meta = append(meta, "Sector: "+r.Sector)
	}
	if r.Score > 0 {
		meta = append(meta, fmt.Sprintf("Score: %.4f", r.Score))
	}
	if len(meta) > 0 {
		sb.WriteString("_" + strings.Join(meta, " · ") + "_\n")
	}
	sb.WriteString("\n" + strings.TrimSpace(r.Content) + "\n\n")
	return sb.String()
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
