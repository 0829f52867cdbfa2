package parser

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Timestamp constants for test data.
const (
	tsEarly   = "2024-01-01T10:00:00Z"
	tsEarlyMs = int64(1704103200000)
)

func TestParseSingleEventCamelCase(t *testing.T) {
	raw := `{
		"id": "m1", "sessionId": "s1", "role": "assistant",
		"createdAt": "` + tsEarly + `",
		"provider": "anthropic", "model": "claude-sonnet",
		"inputTokens": 120, "outputTokens": 80,
		"cacheReadTokens": 5, "cost": 0.03,
		"linesAdded": 4, "linesDeleted": 1,
		"files": ["main.go", "main_test.go"],
		"finishReason": "stop"
	}`
	events, err := Parse("claude", []byte(raw))
	require.NoError(t, err)
	require.Len(t, events, 1)

	e := events[0]
	assert.Equal(t, "m1", e.ID)
	assert.Equal(t, "s1", e.SessionID)
	assert.Equal(t, "assistant", e.Role)
	assert.Equal(t, tsEarlyMs, e.CreatedAt)
	assert.Equal(t, int64(120), e.InputTokens)
	assert.Equal(t, int64(5), e.CacheReadTokens)
	assert.Equal(t, 0.03, e.Cost)
	assert.Equal(t, int64(2), e.FileCount)
	assert.Equal(t, "claude", e.Source)
	assert.Equal(t, "stop", e.FinishReason)
}

func TestParseSingleEventSnakeCase(t *testing.T) {
	raw := `{
		"id": "m1", "session_id": "s1", "role": "user",
		"created_at": 1704103200,
		"input_tokens": 10, "lines_added": 2
	}`
	events, err := Parse("codex", []byte(raw))
	require.NoError(t, err)
	require.Len(t, events, 1)

	e := events[0]
	assert.Equal(t, "s1", e.SessionID)
	assert.Equal(t, "user", e.Role)
	// Epoch seconds are promoted to milliseconds.
	assert.Equal(t, tsEarlyMs, e.CreatedAt)
	assert.Equal(t, int64(10), e.InputTokens)
}

func TestParseEventArray(t *testing.T) {
	raw := `[
		{"id": "m1", "sessionId": "s1", "role": "user"},
		{"id": "m2", "sessionId": "s1", "role": "assistant"},
		{"not": "an event"}
	]`
	events, err := Parse("claude", []byte(raw))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "m1", events[0].ID)
	assert.Equal(t, "m2", events[1].ID)
}

func TestParseJSONL(t *testing.T) {
	raw := strings.Join([]string{
		`{"id": "m1", "sessionId": "s1", "role": "user"}`,
		``,
		`not json at all`,
		`{"id": "m2", "session_id": "s1", "role": "assistant"}`,
	}, "\n")
	events, err := Parse("claude", []byte(raw))
	require.NoError(t, err)
	require.Len(t, events, 2)
	// Conventions can vary line to line.
	assert.Equal(t, "s1", events[0].SessionID)
	assert.Equal(t, "s1", events[1].SessionID)
}

func TestParseSessionSummaryWithNestedEvents(t *testing.T) {
	raw := `{
		"session": {
			"id": "s9", "provider": "openai", "model": "gpt-4o"
		},
		"events": [
			{"id": "m1", "role": "user"},
			{"id": "m2", "role": "assistant", "model": "gpt-4o-mini"}
		]
	}`
	events, err := Parse("opencode", []byte(raw))
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Nested records inherit the wrapper's session and identity
	// fields only where they omit their own.
	assert.Equal(t, "s9", events[0].SessionID)
	assert.Equal(t, "openai", events[0].Provider)
	assert.Equal(t, "gpt-4o", events[0].Model)
	assert.Equal(t, "gpt-4o-mini", events[1].Model)
}

func TestParseSummaryOnly(t *testing.T) {
	raw := `{
		"sessionId": "s7",
		"provider": "anthropic", "model": "claude-sonnet",
		"inputTokens": 500, "outputTokens": 200, "cost": 0.12
	}`
	events, err := Parse("claude", []byte(raw))
	require.NoError(t, err)
	require.Len(t, events, 1)

	// The wrapper's totals become a single synthesized event keyed
	// by the session id.
	e := events[0]
	assert.Equal(t, "s7", e.ID)
	assert.Equal(t, "s7", e.SessionID)
	assert.Equal(t, "assistant", e.Role)
	assert.Equal(t, int64(500), e.InputTokens)
}

func TestParseUnknownFormFails(t *testing.T) {
	for name, raw := range map[string]string{
		"object without ids": `{"foo": "bar"}`,
		"jsonl without ids":  `{"foo": 1}` + "\n" + `{"bar": 2}`,
		"bare string":        `"hello"`,
	} {
		t.Run(name, func(t *testing.T) {
			events, err := Parse("claude", []byte(raw))
			assert.Empty(t, events)
			var perr *ParseError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, "claude", perr.Source)
		})
	}
}

func TestParseEmptyPayload(t *testing.T) {
	events, err := Parse("claude", []byte(""))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestParseMissingRequiredFields(t *testing.T) {
	// No id or session id under either convention.
	raw := `{"role": "user", "inputTokens": 5}`
	_, err := Parse("claude", []byte(raw))
	require.Error(t, err)
}

// A lone record with an id but no session id decodes through the
// summary path, keyed by its own id.
func TestParseEventWithoutSessionID(t *testing.T) {
	raw := `{"id": "m1", "role": "user"}`
	events, err := Parse("claude", []byte(raw))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "m1", events[0].SessionID)
}

func TestParseAgentAndProjectFallbacks(t *testing.T) {
	raw := `{
		"id": "m1", "sessionId": "s1", "role": "user",
		"cwd": "/home/dev/my-tool"
	}`
	events, err := Parse("codex", []byte(raw))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "codex", events[0].Agent)
	assert.Equal(t, "my_tool", events[0].Project)
}

func TestParseTimeForms(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int64
	}{
		{"rfc3339", `{"id":"m","sessionId":"s","role":"user","createdAt":"` + tsEarly + `"}`, tsEarlyMs},
		{"epoch ms", `{"id":"m","sessionId":"s","role":"user","createdAt":1704103200000}`, tsEarlyMs},
		{"epoch seconds", `{"id":"m","sessionId":"s","role":"user","createdAt":1704103200}`, tsEarlyMs},
		{"absent", `{"id":"m","sessionId":"s","role":"user"}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := Parse("claude", []byte(tt.raw))
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, tt.want, events[0].CreatedAt)
		})
	}
}

func TestParseErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &ParseError{Source: "claude", Path: "/p", Reason: "r", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "claude")
	assert.Contains(t, err.Error(), "/p")
}
