package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tenderai/tenderd/internal/config"
	"github.com/tenderai/tenderd/internal/files"
	"github.com/tenderai/tenderd/internal/pipeline"
	"github.com/tenderai/tenderd/internal/storage"
)

// --- index ---

var indexCmd = &cobra.Command{
	Use:   "index <folder>",
	Short: "Save and index a proposal",
	Long: `Save a proposal record for a library folder and index it.

The record is read from --from (a JSON file, or "-" for stdin); flags override
its fields. The folder name is the proposal's natural key.

Examples:
  tenderd index "2023 Metro Backbone" --title "Metro fiber backbone" --sector Telecom
  tenderd index "2023 Metro Backbone" --from record.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := buildRecord(cmd, args[0])
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/proposals", rec)
		if err != nil {
			return err
		}
		var result struct {
			ID         int64  `json:"id"`
			NaturalKey string `json:"natural_key"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Indexed %s (id %d)", result.NaturalKey, result.ID)
		return nil
	},
}

func init() {
	f := indexCmd.Flags()
	f.String("from", "", `JSON record file, or "-" for stdin`)
	f.String("title", "", "proposal title")
	f.String("client", "", "client name")
	f.String("sector", "", "sector")
	f.String("country", "", "country")
	f.String("tender-number", "", "tender reference number")
	f.String("technical-summary", "", "technical summary")
	f.String("pricing-summary", "", "pricing summary")
	f.Float64("total-price", 0, "total price")
	f.String("margin", "", "margin information")
	f.String("summary", "", "full summary")
	f.String("technologies", "", "comma-separated technologies")
	f.String("keywords", "", "comma-separated keywords")
}

// buildRecord merges the --from record with explicitly set flags.
func buildRecord(cmd *cobra.Command, key string) (storage.ProposalRecord, error) {
	var rec storage.ProposalRecord
	from, _ := cmd.Flags().GetString("from")
	if from != "" {
		var r io.Reader
		if from == "-" {
			r = cmd.InOrStdin()
		} else {
			f, err := os.Open(from)
			if err != nil {
				return rec, fmt.Errorf("opening record: %w", err)
			}
			defer f.Close()
			r = f
		}
		if err := json.NewDecoder(r).Decode(&rec); err != nil {
			return rec, fmt.Errorf("parsing record: %w", err)
		}
	}
	rec.NaturalKey = key

	flags := cmd.Flags()
	strFields := map[string]*string{
		"title":             &rec.Title,
		"client":            &rec.Client,
		"sector":            &rec.Sector,
		"country":           &rec.Country,
		"tender-number":     &rec.TenderNumber,
		"technical-summary": &rec.TechnicalSummary,
		"pricing-summary":   &rec.PricingSummary,
		"margin":            &rec.MarginInfo,
		"summary":           &rec.FullSummary,
	}
	for name, dst := range strFields {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	if flags.Changed("total-price") {
		rec.TotalPrice, _ = flags.GetFloat64("total-price")
	}
	if flags.Changed("technologies") {
		v, _ := flags.GetString("technologies")
		rec.Technologies = splitList(v)
	}
	if flags.Changed("keywords") {
		v, _ := flags.GetString("keywords")
		rec.Keywords = splitList(v)
	}
	return rec, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search indexed proposals",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		mode, _ := cmd.Flags().GetString("mode")
		sector, _ := cmd.Flags().GetString("sector")
		noVector, _ := cmd.Flags().GetBool("no-vector")
		asJSON, _ := cmd.Flags().GetBool("json")

		q := url.Values{}
		q.Set("q", strings.Join(args, " "))
		if cmd.Flags().Changed("limit") {
			q.Set("limit", strconv.Itoa(limit))
		}
		if mode != "" {
			q.Set("mode", mode)
		}
		if sector != "" {
			q.Set("sector", sector)
		}
		if noVector {
			q.Set("vector", "false")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/search?"+q.Encode())
		if err != nil {
			return err
		}
		var result struct {
			SearchMode string                  `json:"search_mode"`
			Matches    []pipeline.SearchResult `json:"matches"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			return prettyJSON(out, result.Matches)
		}
		if len(result.Matches) == 0 {
			fmt.Fprintln(out, "No matching proposals.")
			return nil
		}
		fmt.Fprintf(out, "%d result(s), mode %s\n", len(result.Matches), result.SearchMode)
		for i, m := range result.Matches {
			fmt.Fprintf(out, "\n%s %s [score: %.4f]\n", bold(fmt.Sprintf("%d.", i+1)), m.NaturalKey, m.Score)
			if m.Title != "" && m.Title != m.NaturalKey {
				fmt.Fprintf(out, "  %s\n", m.Title)
			}
			var meta []string
			for _, v := range []string{m.Client, m.Sector, m.Country} {
				if v != "" {
					meta = append(meta, v)
				}
			}
			if len(meta) > 0 {
				fmt.Fprintf(out, "  %s\n", strings.Join(meta, " · "))
			}
			if m.KeywordRank > 0 || m.VectorRank > 0 {
				fmt.Fprintf(out, "  ranks: keyword %s, vector %s\n", rankLabel(m.KeywordRank), rankLabel(m.VectorRank))
			}
		}
		return nil
	},
}

func rankLabel(r int) string {
	if r <= 0 {
		return "-"
	}
	return strconv.Itoa(r)
}

func init() {
	searchCmd.Flags().Int("limit", 0, "maximum number of results (default: the server's retrieval.top_k)")
	searchCmd.Flags().String("mode", "", "auto, keyword, semantic or hybrid")
	searchCmd.Flags().String("sector", "", "only return proposals in this sector")
	searchCmd.Flags().Bool("no-vector", false, "skip the vector tier")
	searchCmd.Flags().Bool("json", false, "print matches as JSON")
}

// --- context ---

var contextCmd = &cobra.Command{
	Use:   "context <query>",
	Short: "Print grounding context for a new proposal",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/context?q="+url.QueryEscape(strings.Join(args, " ")))
		if err != nil {
			return err
		}
		var res pipeline.ContextResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if len(res.References) == 0 {
			printWarning("No past proposals found.")
			return nil
		}
		printStep("Context from %s tier (%d references)", res.Tier, len(res.References))
		fmt.Fprint(cmd.OutOrStdout(), res.Prompt)
		return nil
	},
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List indexed proposals, most recently updated first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/proposals?limit=%d&offset=%d", limit, offset))
		if err != nil {
			return err
		}
		var recs []storage.ProposalRecord
		if err := decodeJSON(resp, &recs); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(recs) == 0 {
			fmt.Fprintln(out, "No proposals indexed.")
			return nil
		}
		for _, r := range recs {
			fmt.Fprintf(out, "%s  %s  %s\n",
				highlight(storage.FormatTime(r.UpdatedAt)[:10]),
				r.NaturalKey,
				files.Truncate(r.Title, 60),
			)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().Int("limit", 20, "maximum number of proposals to list")
	listCmd.Flags().Int("offset", 0, "number of proposals to skip")
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/proposals/stats")
		if err != nil {
			return err
		}
		var st pipeline.Stats
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %d\n", bold("Proposals:"), st.Total)
		fmt.Fprintf(out, "%s %.2f\n", bold("Total value:"), st.TotalValue)
		fmt.Fprintf(out, "%s %s\n", bold("Vector search:"), availability(st.VectorSearchAvailable, st.EmbeddingBackend))
		if st.PendingBackfills > 0 {
			fmt.Fprintf(out, "%s %d\n", bold("Pending backfills:"), st.PendingBackfills)
		}
		printCounts(out, "By sector:", st.BySector)
		printCounts(out, "By country:", st.ByCountry)
		return nil
	},
}

func printCounts(w io.Writer, label string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintln(w, bold(label))
	for _, k := range keys {
		name := k
		if name == "" {
			name = "(unset)"
		}
		fmt.Fprintf(w, "  %-24s %d\n", name, counts[k])
	}
}

// --- delete ---

var deleteCmd = &cobra.Command{
	Use:   "delete <folder>",
	Short: "Remove a proposal from the index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/proposals/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted %s", args[0])
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		withEnv, _ := cmd.Flags().GetBool("env")
		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			if withEnv {
				fmt.Fprintf(out, "  %s = %s  (%s)\n", bold(k.Key), k.Value, strings.Join(k.EnvVars, ", "))
				continue
			}
			fmt.Fprintf(out, "  %s = %s\n", bold(k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configShowCmd.Flags().Bool("env", false, "also list the environment variables for each key")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
