package files

import (
	"strconv"
	"strings"

	"github.com/tenderai/tenderd/internal/storage"
)

// RenderSummary produces the human-readable _summary.md for a proposal.
func RenderSummary(rec storage.ProposalRecord) string {
	var b strings.Builder
	b.WriteString("# " + rec.Title + "\n\n")
	b.WriteString("**Client:** " + rec.Client + "\n")
	b.WriteString("**Sector:** " + rec.Sector + "\n")
	b.WriteString("**Country:** " + rec.Country + "\n")
	b.WriteString("**Tender Number:** " + rec.TenderNumber + "\n\n")

	b.WriteString("## Technical Summary\n" + rec.TechnicalSummary + "\n\n")

	b.WriteString("## Pricing Summary\n" + rec.PricingSummary + "\n")
	b.WriteString("**Total Price:** " + strconv.FormatFloat(rec.TotalPrice, 'f', -1, 64) + "\n")
	b.WriteString("**Margin Info:** " + rec.MarginInfo + "\n\n")

	b.WriteString("## Technologies\n")
	for _, t := range rec.Technologies {
		b.WriteString("- " + t + "\n")
	}

	b.WriteString("\n## Keywords\n" + strings.Join(rec.Keywords, ", ") + "\n\n")
	b.WriteString("## Full Summary\n" + rec.FullSummary + "\n")
	return b.String()
}
