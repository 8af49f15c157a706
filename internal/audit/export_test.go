package audit

import (
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntries() []Entry {
	return []Entry{
		{
			ID:            "01ABC",
			Timestamp:     time.Date(2024, 6, 15, 10, 5, 0, 0, time.UTC),
			Category:      CategoryRuleExecution,
			Type:          TypeRuleExecuted,
			Summary:       "Rule payment-received executed",
			Source:        "dispatcher",
			Details:       map[string]interface{}{"topic": "order.paid"},
			RuleID:        "r1",
			RuleName:      "payment-received",
			CorrelationID: "c1",
			DurationMs:    2.5,
		},
		{
			ID:        "01ABD",
			Timestamp: time.Date(2024, 6, 15, 10, 6, 0, 0, time.UTC),
			Category:  CategoryFactChange,
			Type:      TypeFactUpdated,
			Summary:   "Fact order:ord-1:status updated",
		},
	}
}

func TestExportJSON(t *testing.T) {
	raw, err := ExportJSON(sampleEntries())
	require.NoError(t, err)

	var decoded []Entry
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "r1", decoded[0].RuleID)
	assert.Equal(t, "order.paid", decoded[0].Details["topic"])
}

func TestExportCSV(t *testing.T) {
	raw, err := ExportCSV(sampleEntries())
	require.NoError(t, err)

	records, err := csv.NewReader(strings.NewReader(string(raw))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, "01ABC", records[1][0])
	assert.Equal(t, "rule_execution", records[1][2])
	assert.Equal(t, "2.5", records[1][10])

	var details map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(records[1][9]), &details))
	assert.Equal(t, "order.paid", details["topic"])

	// Empty optional columns stay empty.
	assert.Equal(t, "", records[2][8])
	assert.Equal(t, "", records[2][10])
}
