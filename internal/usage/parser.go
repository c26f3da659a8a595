package usage

import (
	"bytes"
	"encoding/json"
)

// Provider usage reports come in a small closed set of shapes. Detection is
// structural: each variant has a field no other variant carries, and an
// unmatched payload falls through to the unknown case rather than erroring,
// because a malformed provider response must not crash the billing pipeline.

// prompt/completion shape (OpenAI-style chat completions).
type promptCompletionUsage struct {
	PromptTokens     *int64 `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	PromptDetails    struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

// input/output shape with optional cache-read count (Anthropic-style).
type inputOutputUsage struct {
	InputTokens          *int64 `json:"input_tokens"`
	OutputTokens         int64  `json:"output_tokens"`
	CacheReadInputTokens int64  `json:"cache_read_input_tokens"`
}

// prompt/candidate count shape (Gemini-style usageMetadata).
type promptCandidatesUsage struct {
	PromptTokenCount        *int64 `json:"promptTokenCount"`
	CandidatesTokenCount    int64  `json:"candidatesTokenCount"`
	CachedContentTokenCount int64  `json:"cachedContentTokenCount"`
}

type usageEnvelope struct {
	Usage         json.RawMessage `json:"usage"`
	UsageMetadata json.RawMessage `json:"usageMetadata"`
}

// ParseUsage normalizes a raw provider response body into TokenCounts.
// The usage block may sit under "usage", under "usageMetadata", or be the
// payload itself. ok is false when no known shape matched; counts are then
// all zero and the caller decides how loudly to warn.
func ParseUsage(raw []byte) (counts TokenCounts, ok bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return TokenCounts{}, false
	}

	var env usageEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return TokenCounts{}, false
	}

	payload := raw
	if len(env.Usage) > 0 && !bytes.Equal(env.Usage, []byte("null")) {
		payload = env.Usage
	} else if len(env.UsageMetadata) > 0 && !bytes.Equal(env.UsageMetadata, []byte("null")) {
		payload = env.UsageMetadata
	}

	var pc promptCompletionUsage
	if err := json.Unmarshal(payload, &pc); err == nil && pc.PromptTokens != nil {
		// prompt_tokens includes the cached portion; split it out so cached
		// units can price at their own rate.
		return TokenCounts{
			InputUnits:  max64(*pc.PromptTokens-pc.PromptDetails.CachedTokens, 0),
			OutputUnits: pc.CompletionTokens,
			CachedUnits: pc.PromptDetails.CachedTokens,
		}, true
	}

	var io inputOutputUsage
	if err := json.Unmarshal(payload, &io); err == nil && io.InputTokens != nil {
		return TokenCounts{
			InputUnits:  *io.InputTokens,
			OutputUnits: io.OutputTokens,
			CachedUnits: io.CacheReadInputTokens,
		}, true
	}

	var g promptCandidatesUsage
	if err := json.Unmarshal(payload, &g); err == nil && g.PromptTokenCount != nil {
		return TokenCounts{
			InputUnits:  max64(*g.PromptTokenCount-g.CachedContentTokenCount, 0),
			OutputUnits: g.CandidatesTokenCount,
			CachedUnits: g.CachedContentTokenCount,
		}, true
	}

	return TokenCounts{}, false
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
