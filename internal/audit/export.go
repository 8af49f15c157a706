package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// csvHeader is the fixed column order of CSV exports.
var csvHeader = []string{
	"id", "timestamp", "category", "type", "summary", "source",
	"ruleId", "ruleName", "correlationId", "details", "durationMs",
}

// ExportJSON renders entries as a JSON array.
func ExportJSON(entries []Entry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}

// ExportCSV renders entries as CSV with a header row; details are
// serialized as a JSON string.
func ExportCSV(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, e := range entries {
		details := ""
		if e.Details != nil {
			raw, err := json.Marshal(e.Details)
			if err != nil {
				return nil, fmt.Errorf("serialize details for %s: %w", e.ID, err)
			}
			details = string(raw)
		}
		duration := ""
		if e.DurationMs != 0 {
			duration = strconv.FormatFloat(e.DurationMs, 'f', -1, 64)
		}
		row := []string{
			e.ID,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			string(e.Category),
			e.Type,
			e.Summary,
			e.Source,
			e.RuleID,
			e.RuleName,
			e.CorrelationID,
			details,
			duration,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
