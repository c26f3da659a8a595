package usage_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/credit-meter/internal/usage"
)

func TestParseUsage(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   usage.TokenCounts
		wantOK bool
	}{
		{
			name:   "prompt/completion shape nested under usage",
			raw:    `{"id":"chatcmpl-1","usage":{"prompt_tokens":120,"completion_tokens":48,"total_tokens":168}}`,
			want:   usage.TokenCounts{InputUnits: 120, OutputUnits: 48},
			wantOK: true,
		},
		{
			name:   "prompt/completion shape with cached prompt tokens",
			raw:    `{"usage":{"prompt_tokens":1000,"completion_tokens":50,"prompt_tokens_details":{"cached_tokens":600}}}`,
			want:   usage.TokenCounts{InputUnits: 400, OutputUnits: 50, CachedUnits: 600},
			wantOK: true,
		},
		{
			name:   "input/output shape nested under usage",
			raw:    `{"id":"msg_01","usage":{"input_tokens":200,"output_tokens":80}}`,
			want:   usage.TokenCounts{InputUnits: 200, OutputUnits: 80},
			wantOK: true,
		},
		{
			name:   "input/output shape with cache reads",
			raw:    `{"usage":{"input_tokens":150,"output_tokens":60,"cache_read_input_tokens":900}}`,
			want:   usage.TokenCounts{InputUnits: 150, OutputUnits: 60, CachedUnits: 900},
			wantOK: true,
		},
		{
			name:   "prompt/candidate shape under usageMetadata",
			raw:    `{"candidates":[],"usageMetadata":{"promptTokenCount":300,"candidatesTokenCount":120}}`,
			want:   usage.TokenCounts{InputUnits: 300, OutputUnits: 120},
			wantOK: true,
		},
		{
			name:   "prompt/candidate shape with cached content",
			raw:    `{"usageMetadata":{"promptTokenCount":500,"candidatesTokenCount":90,"cachedContentTokenCount":200}}`,
			want:   usage.TokenCounts{InputUnits: 300, OutputUnits: 90, CachedUnits: 200},
			wantOK: true,
		},
		{
			name:   "bare usage object without envelope",
			raw:    `{"prompt_tokens":10,"completion_tokens":5}`,
			want:   usage.TokenCounts{InputUnits: 10, OutputUnits: 5},
			wantOK: true,
		},
		{
			name:   "unknown shape yields zero counts",
			raw:    `{"tokens_used":42,"billing":"flat"}`,
			wantOK: false,
		},
		{
			name:   "empty usage object yields zero counts",
			raw:    `{"usage":{}}`,
			wantOK: false,
		},
		{
			name:   "invalid json yields zero counts",
			raw:    `{"usage":`,
			wantOK: false,
		},
		{
			name:   "empty body yields zero counts",
			raw:    ``,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counts, ok := usage.ParseUsage([]byte(tt.raw))
			require.Equal(t, tt.wantOK, ok)
			require.Equal(t, tt.want, counts)
		})
	}
}

func TestParseUsage_CachedNeverExceedsPrompt(t *testing.T) {
	// A hostile payload reporting more cached than prompt tokens must not
	// push input units negative.
	counts, ok := usage.ParseUsage([]byte(`{"usage":{"prompt_tokens":100,"completion_tokens":10,"prompt_tokens_details":{"cached_tokens":500}}}`))
	require.True(t, ok)
	require.GreaterOrEqual(t, counts.InputUnits, int64(0))
	require.Equal(t, int64(500), counts.CachedUnits)
}

func TestTokenCounts_Total(t *testing.T) {
	c := usage.TokenCounts{InputUnits: 1, OutputUnits: 2, CachedUnits: 3}
	require.Equal(t, int64(6), c.Total())
}
