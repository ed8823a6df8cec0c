package audit

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ReportFormat selects how a report is rendered.
type ReportFormat string

const (
	FormatJSON ReportFormat = "json"
	FormatCSV  ReportFormat = "csv"
	// FormatPDF renders a placeholder describing the expected document;
	// document rendering is not implemented.
	FormatPDF ReportFormat = "pdf"
)

// ParseReportFormat parses a format name.
func ParseReportFormat(s string) (ReportFormat, error) {
	switch f := ReportFormat(strings.ToLower(s)); f {
	case FormatJSON, FormatCSV, FormatPDF:
		return f, nil
	}
	return "", fmt.Errorf("unknown report format %q (use json, csv, or pdf)", s)
}

// entriesPerPage sizes the PDF placeholder's page estimate.
const entriesPerPage = 50

// Report aggregates the entries of a time range with their verification.
type Report struct {
	Format      ReportFormat             `json:"format"`
	Start       time.Time                `json:"start"`
	End         time.Time                `json:"end"`
	GeneratedAt time.Time                `json:"generated_at"`
	Summary     ReportSummary            `json:"summary"`
	Users       map[string]*UserActivity `json:"users"`
	Integrity   *VerificationResult      `json:"integrity"`
}

// ReportSummary counts events in the range.
type ReportSummary struct {
	TotalEvents int              `json:"total_events"`
	ByEventType map[string]int   `json:"by_event_type"`
	BySeverity  map[Severity]int `json:"by_severity"`
}

// UserActivity is one user's share of the range.
type UserActivity struct {
	EventCount   int            `json:"event_count"`
	ByEventType  map[string]int `json:"by_event_type"`
	LastActivity time.Time      `json:"last_activity"`
}

// GenerateReport queries and verifies [start, end] and aggregates the result.
func (l *Log) GenerateReport(ctx context.Context, start, end time.Time, format ReportFormat) (*Report, error) {
	if _, err := ParseReportFormat(string(format)); err != nil {
		return nil, err
	}
	if end.IsZero() {
		end = l.now()
	}
	q := Query{Start: start, End: end}

	res, err := l.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	vr, err := l.verifyResult(ctx, res, q)
	if err != nil {
		return nil, err
	}
	return BuildReport(res.Entries, vr, start, end, format, l.now()), nil
}

// BuildReport aggregates entries. Entries without a user id are counted in
// the summary only.
func BuildReport(entries []*Entry, vr *VerificationResult, start, end time.Time, format ReportFormat, now time.Time) *Report {
	r := &Report{
		Format:      format,
		Start:       start.UTC(),
		End:         end.UTC(),
		GeneratedAt: now.UTC(),
		Summary: ReportSummary{
			ByEventType: make(map[string]int),
			BySeverity:  make(map[Severity]int),
		},
		Users:     make(map[string]*UserActivity),
		Integrity: vr,
	}

	for _, e := range entries {
		r.Summary.TotalEvents++
		r.Summary.ByEventType[e.EventType]++
		r.Summary.BySeverity[e.Severity]++

		if e.UserID == "" {
			continue
		}
		ua, ok := r.Users[e.UserID]
		if !ok {
			ua = &UserActivity{ByEventType: make(map[string]int)}
			r.Users[e.UserID] = ua
		}
		ua.EventCount++
		ua.ByEventType[e.EventType]++
		if e.Timestamp.After(ua.LastActivity) {
			ua.LastActivity = e.Timestamp.UTC()
		}
	}
	return r
}

// EstimatedPages is the page count a rendered document would have.
func (r *Report) EstimatedPages() int {
	return 1 + (r.Summary.TotalEvents+entriesPerPage-1)/entriesPerPage
}

// Render writes the report in its format.
func (r *Report) Render(w io.Writer) error {
	switch r.Format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatCSV:
		return r.renderCSV(w)
	case FormatPDF:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"format":          FormatPDF,
			"start":           r.Start,
			"end":             r.End,
			"generated_at":    r.GeneratedAt,
			"total_events":    r.Summary.TotalEvents,
			"estimated_pages": r.EstimatedPages(),
			"note":            "document rendering is not supported; use json or csv for the report data",
		})
	default:
		return fmt.Errorf("unknown report format %q", r.Format)
	}
}

// renderCSV flattens the report into section,key,metric,value rows in a
// stable order.
func (r *Report) renderCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	row := func(fields ...string) {
		// Errors are sticky and reported by cw.Error.
		_ = cw.Write(fields)
	}

	row("section", "key", "metric", "value")
	row("range", "start", "", r.Start.Format(time.RFC3339Nano))
	row("range", "end", "", r.End.Format(time.RFC3339Nano))
	row("summary", "total_events", "", strconv.Itoa(r.Summary.TotalEvents))

	for _, t := range sortedKeys(r.Summary.ByEventType) {
		row("event_type", t, "count", strconv.Itoa(r.Summary.ByEventType[t]))
	}
	for _, sev := range Severities {
		if n, ok := r.Summary.BySeverity[sev]; ok {
			row("severity", string(sev), "count", strconv.Itoa(n))
		}
	}
	for _, u := range sortedKeys(r.Users) {
		ua := r.Users[u]
		row("user", u, "event_count", strconv.Itoa(ua.EventCount))
		for _, t := range sortedKeys(ua.ByEventType) {
			row("user", u, "type:"+t, strconv.Itoa(ua.ByEventType[t]))
		}
		row("user", u, "last_activity", ua.LastActivity.Format(time.RFC3339Nano))
	}
	if vr := r.Integrity; vr != nil {
		row("integrity", "verified", "", strconv.FormatBool(vr.Verified))
		row("integrity", "total_entries", "", strconv.Itoa(vr.TotalEntries))
		row("integrity", "verified_entries", "", strconv.Itoa(vr.VerifiedEntries))
		for _, f := range vr.Failures {
			row("failure", strconv.FormatUint(f.Sequence, 10), string(f.Reason), f.Actual)
		}
		for _, e := range vr.Errors {
			row("error", "", "", e)
		}
	}

	cw.Flush()
	return cw.Error()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
