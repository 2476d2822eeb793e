package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractPartnershipSignal(t *testing.T) {
	tests := []struct {
		name     string
		analysis map[string]any
		want     *bool
	}{
		{"nil analysis", nil, nil},
		{"empty analysis", map[string]any{}, nil},
		{"direct bool true", map[string]any{"is_partner": true}, boolPtr(true)},
		{"direct bool false", map[string]any{"partnership": false}, boolPtr(false)},
		{"truthy string", map[string]any{"partner_interest": " Yes "}, boolPtr(true)},
		{"falsy string", map[string]any{"partnered": "no"}, boolPtr(false)},
		{"success string", map[string]any{"is_partner": "success"}, boolPtr(true)},
		{"numeric one", map[string]any{"is_partner": float64(1)}, boolPtr(true)},
		{"numeric zero", map[string]any{"is_partner": float64(0)}, boolPtr(false)},
		{"int value", map[string]any{"is_partner": 1}, boolPtr(true)},
		{"undecided string", map[string]any{"is_partner": "maybe"}, nil},
		{
			"wrapped value object",
			map[string]any{"is_partner": map[string]any{"value": true}},
			boolPtr(true),
		},
		{
			"wrapped without value key",
			map[string]any{"is_partner": map[string]any{"result": true}},
			nil,
		},
		{
			"nested data collection results",
			map[string]any{
				"data_collection_results": map[string]any{"is_partner": "true"},
			},
			boolPtr(true),
		},
		{
			"nested wrapped value",
			map[string]any{
				"data_collection_results": map[string]any{
					"partnership": map[string]any{"value": "no"},
				},
			},
			boolPtr(false),
		},
		{
			"fuzzy key scan",
			map[string]any{"wants_partnership": true},
			boolPtr(true),
		},
		{
			"fuzzy key case insensitive",
			map[string]any{"Partner_Decision": "false"},
			boolPtr(false),
		},
		{
			"known key beats fuzzy key",
			map[string]any{"is_partner": false, "partner_notes": "yes"},
			boolPtr(false),
		},
		{
			"unrelated keys stay undecided",
			map[string]any{"sentiment": "positive", "call_successful": true},
			nil,
		},
		{
			"indecisive known key falls through to fuzzy",
			map[string]any{"is_partner": "unclear", "partner_confirmed": "yes"},
			boolPtr(true),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractPartnershipSignal(tt.analysis)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tt.want, *got)
		})
	}
}

func TestNormalizeSignal(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		want *bool
	}{
		{"bool", true, boolPtr(true)},
		{"yes", "yes", boolPtr(true)},
		{"y", "y", boolPtr(true)},
		{"one string", "1", boolPtr(true)},
		{"failure string", "Failure", boolPtr(false)},
		{"zero string", "0", boolPtr(false)},
		{"blank string", "   ", nil},
		{"prose", "they want to think about it", nil},
		{"nil", nil, nil},
		{"slice", []string{"yes"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeSignal(tt.raw)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tt.want, *got)
		})
	}
}
