// Package export writes batch results as write-once artifacts for the
// sales team: the full batch as JSON, and a flat lead sheet as CSV or XLSX.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/model"
)

// Supported formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

// Formats lists every supported format.
var Formats = []string{FormatJSON, FormatCSV, FormatXLSX}

// LeadRow is the flat, one-line-per-lead view of a qualified lead.
type LeadRow struct {
	Rank         int     `csv:"rank" json:"rank"`
	Tier         string  `csv:"tier" json:"tier"`
	EntityKey    string  `csv:"entity_key" json:"entity_key"`
	ProfileID    string  `csv:"profile_id" json:"profile_id"`
	Name         string  `csv:"name" json:"name"`
	Domain       string  `csv:"domain" json:"domain"`
	Geography    string  `csv:"geography" json:"geography"`
	Vertical     string  `csv:"vertical" json:"vertical"`
	Priority     float64 `csv:"priority" json:"priority"`
	Demand       float64 `csv:"demand" json:"demand"`
	Pain         float64 `csv:"pain" json:"pain"`
	Fit          float64 `csv:"fit" json:"fit"`
	Confidence   float64 `csv:"confidence" json:"confidence"`
	MonthlySpend float64 `csv:"estimated_monthly_spend" json:"estimated_monthly_spend"`
	Signals      int     `csv:"signals" json:"signals"`
	CampaignDays int     `csv:"campaign_span_days" json:"campaign_span_days"`
	TechIssues   string  `csv:"tech_issues" json:"tech_issues"`
	Evidence     string  `csv:"evidence" json:"evidence"`
	LastObserved string  `csv:"last_observed_at" json:"last_observed_at"`
	GeneratedAt  string  `csv:"generated_at" json:"generated_at"`
}

// leadHeaders is the column order of CSV and XLSX output.
var leadHeaders = []string{
	"rank", "tier", "entity_key", "profile_id", "name", "domain", "geography", "vertical",
	"priority", "demand", "pain", "fit", "confidence", "estimated_monthly_spend",
	"signals", "campaign_span_days", "tech_issues", "evidence", "last_observed_at", "generated_at",
}

// Rows flattens the batch's leads in rank order.
func Rows(b *model.BatchResult) []LeadRow {
	rows := make([]LeadRow, 0, len(b.Leads))
	for _, l := range b.Leads {
		p := l.ProfileSnapshot
		rows = append(rows, LeadRow{
			Rank:         l.RankWithinBatch,
			Tier:         string(l.Tier),
			EntityKey:    l.EntityKey.ID(),
			ProfileID:    p.ID,
			Name:         displayName(p),
			Domain:       l.EntityKey.NormalizedDomain,
			Geography:    p.Geography,
			Vertical:     p.Vertical,
			Priority:     l.Score.PriorityScore,
			Demand:       l.Score.DemandScore,
			Pain:         l.Score.PainScore,
			Fit:          l.Score.FitScore,
			Confidence:   l.Score.Confidence,
			MonthlySpend: p.EstimatedMonthlySpend,
			Signals:      len(p.Signals),
			CampaignDays: p.CampaignSpanDays,
			TechIssues:   issueSummary(p.TechIssues),
			Evidence:     evidenceSummary(l.Score.Evidence),
			LastObserved: formatTime(p.LastUpdatedAt),
			GeneratedAt:  formatTime(l.GeneratedAt),
		})
	}
	return rows
}

// WriteJSON writes the whole batch, diagnostics included.
func WriteJSON(w io.Writer, b *model.BatchResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(b); err != nil {
		return eris.Wrap(err, "export: encode json")
	}
	return nil
}

// WriteCSV writes one row per lead with a header row.
func WriteCSV(w io.Writer, b *model.BatchResult) error {
	cw := csv.NewWriter(w)
	enc := csvutil.NewEncoder(cw)

	rows := Rows(b)
	if len(rows) == 0 {
		if err := cw.Write(leadHeaders); err != nil {
			return eris.Wrap(err, "export: write csv header")
		}
	}
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return eris.Wrap(err, "export: write csv row")
		}
	}

	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush csv")
}

// WriteXLSX writes a workbook with a Leads sheet and a Diagnostics sheet.
func WriteXLSX(w io.Writer, b *model.BatchResult) error {
	f := xlsx.NewFile()

	leads, err := f.AddSheet("Leads")
	if err != nil {
		return eris.Wrap(err, "export: add leads sheet")
	}
	addRow(leads, leadHeaders...)
	for _, r := range Rows(b) {
		row := leads.AddRow()
		row.AddCell().SetInt(r.Rank)
		for _, s := range []string{r.Tier, r.EntityKey, r.ProfileID, r.Name, r.Domain, r.Geography, r.Vertical} {
			row.AddCell().SetString(s)
		}
		for _, v := range []float64{r.Priority, r.Demand, r.Pain, r.Fit, r.Confidence, r.MonthlySpend} {
			row.AddCell().SetFloat(v)
		}
		row.AddCell().SetInt(r.Signals)
		row.AddCell().SetInt(r.CampaignDays)
		for _, s := range []string{r.TechIssues, r.Evidence, r.LastObserved, r.GeneratedAt} {
			row.AddCell().SetString(s)
		}
	}

	diag, err := f.AddSheet("Diagnostics")
	if err != nil {
		return eris.Wrap(err, "export: add diagnostics sheet")
	}
	addRow(diag, "metric", "value")
	for _, kv := range diagnosticPairs(b) {
		addRow(diag, kv[0], kv[1])
	}

	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "export: write xlsx")
	}
	return nil
}

// Write exports the batch into dir in each of the given formats and returns
// the written paths. Artifacts are write-once: an existing file for the
// same batch and format is an error.
func Write(dir string, b *model.BatchResult, formats []string) ([]string, error) {
	if b == nil || b.ID == "" {
		return nil, eris.New("export: batch id is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "export: create dir %s", dir)
	}

	var paths []string
	for _, format := range formats {
		format = strings.ToLower(strings.TrimSpace(format))
		var write func(io.Writer, *model.BatchResult) error
		switch format {
		case FormatJSON:
			write = WriteJSON
		case FormatCSV:
			write = WriteCSV
		case FormatXLSX:
			write = WriteXLSX
		default:
			return paths, eris.Errorf("export: unsupported format %q", format)
		}

		path := filepath.Join(dir, fmt.Sprintf("batch-%s.%s", b.ID, format))
		if err := writeOnce(path, b, write); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}

	zap.L().Info("export: batch written",
		zap.String("batch_id", b.ID),
		zap.Strings("paths", paths),
	)
	return paths, nil
}

func writeOnce(path string, b *model.BatchResult, write func(io.Writer, *model.BatchResult) error) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return eris.Wrapf(err, "export: create %s", path)
	}
	if err := write(f, b); err != nil {
		f.Close()       //nolint:errcheck
		os.Remove(path) //nolint:errcheck
		return err
	}
	return eris.Wrapf(f.Close(), "export: close %s", path)
}

func addRow(sheet *xlsx.Sheet, values ...string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

func diagnosticPairs(b *model.BatchResult) [][2]string {
	d := b.Diagnostics
	itoa := func(n int) string { return fmt.Sprintf("%d", n) }
	pairs := [][2]string{
		{"batch_id", b.ID},
		{"as_of", formatTime(b.AsOf)},
		{"config_hash", b.ConfigHash},
		{"signals_received", itoa(d.SignalsReceived)},
		{"signals_ingested", itoa(d.SignalsIngested)},
		{"signals_replayed", itoa(d.SignalsReplayed)},
		{"signals_rejected", itoa(d.SignalsRejected)},
		{"duplicates_folded", itoa(d.DuplicatesFolded)},
		{"conflicts_folded", itoa(d.ConflictsFolded)},
		{"profiles_merged", itoa(d.ProfilesMerged)},
		{"profiles", itoa(d.Profiles)},
		{"unclassified", itoa(len(d.Unclassified))},
		{"candidates_scored", itoa(d.CandidatesScored)},
		{"low_confidence", itoa(d.LowConfidence)},
		{"quota_held", itoa(d.QuotaHeld)},
		{"unfilled", itoa(d.Unfilled)},
		{"duplicate_output_suppressed", itoa(d.DuplicateOutput)},
		{"collector_failures", itoa(len(d.CollectorFailures))},
		{"partial", fmt.Sprintf("%t", d.Partial)},
	}
	for _, reason := range sortedKeys(d.RejectReasons) {
		pairs = append(pairs, [2]string{"rejected." + reason, itoa(d.RejectReasons[reason])})
	}
	return pairs
}

// displayName is the raw name on the most recent signal.
func displayName(p model.ProspectProfile) string {
	for i := len(p.Signals) - 1; i >= 0; i-- {
		if n := strings.TrimSpace(p.Signals[i].RawName); n != "" {
			return n
		}
	}
	return p.EntityKey.NormalizedName
}

func issueSummary(issues []model.TechIssue) string {
	parts := make([]string, 0, len(issues))
	for _, ti := range issues {
		parts = append(parts, fmt.Sprintf("%s(%s)", ti.Code, ti.Severity))
	}
	return strings.Join(parts, "; ")
}

func evidenceSummary(ev []model.Evidence) string {
	parts := make([]string, 0, len(ev))
	for _, e := range ev {
		parts = append(parts, fmt.Sprintf("%s:%s=%.2f", e.Component, e.Factor, e.Points))
	}
	return strings.Join(parts, "; ")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
