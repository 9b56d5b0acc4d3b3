package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenMessagesSeparatesSystemFromUser(t *testing.T) {
	prompt, system := flattenMessages([]Message{
		{Role: RoleSystem, Content: "be terse"},
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "hi"},
	})
	assert.Equal(t, "be terse", system)
	assert.Contains(t, prompt, "hello")
	assert.Contains(t, prompt, "hi")
}

func TestFlattenMessagesUsesBlocksWhenContentEmpty(t *testing.T) {
	_, system := flattenMessages([]Message{
		{Role: RoleSystem, Blocks: []ContentBlock{{Type: "text", Text: "part1"}, {Type: "text", Text: "part2"}}},
	})
	assert.Equal(t, "part1part2", system)
}

func TestParseCLIOutputPrefersContentField(t *testing.T) {
	raw := []byte(`{"content":"hello world","usage":{"input_tokens":10,"output_tokens":5}}`)
	resp, err := parseCLIOutput(raw)
	require.NoError(t, err)
	assert.Equal(t, "hello world", resp.Content)
	assert.Equal(t, int64(10), resp.Usage.InputTokens)
	assert.Equal(t, int64(5), resp.Usage.OutputTokens)
	assert.Equal(t, StopEndTurn, resp.StopReason)
}

func TestParseCLIOutputFallsBackToResultField(t *testing.T) {
	raw := []byte(`{"result":"fallback content"}`)
	resp, err := parseCLIOutput(raw)
	require.NoError(t, err)
	assert.Equal(t, "fallback content", resp.Content)
}

func TestParseCLIOutputExtractsToolCallsAndSetsStopReason(t *testing.T) {
	raw := []byte(`{"content":"","tool_calls":[{"id":"1","name":"bash","arguments":{"cmd":"ls"}}]}`)
	resp, err := parseCLIOutput(raw)
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "bash", resp.ToolCalls[0].Name)
	assert.Equal(t, StopToolUse, resp.StopReason)
}

func TestParseCLIOutputHandlesMixedNonJSONPrefix(t *testing.T) {
	raw := []byte("warning: deprecated flag\n{\"content\":\"ok\"}")
	resp, err := parseCLIOutput(raw)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
}

func TestHTTPProviderChatSendsRequestAndParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req httpChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "test-model", req.Model)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(httpChatResponse{Content: "served", StopReason: "end_turn"})
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "key")
	resp, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, ChatOptions{Model: "test-model"})
	require.NoError(t, err)
	assert.Equal(t, "served", resp.Content)
	assert.Equal(t, StopEndTurn, resp.StopReason)
}

func TestHTTPProviderChatRetriesOn5xxThenFailsAfterBackoffExhausted(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "")
	_, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, ChatOptions{Model: "m"})
	require.Error(t, err)
	assert.Greater(t, calls, 1, "must have retried at least once on 5xx")
}

func TestHTTPProviderChatDoesNotRetryOn4xx(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "")
	_, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, ChatOptions{Model: "m"})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "a 4xx is permanent and must not be retried")
}
