package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CLIProvider invokes a local CLI binary (e.g. `claude -p ...
// --output-format json`) once per Chat call. Grounded on
// internal/claude/invoker.go's Invoker/Request/Response/ParseResponse:
// the same command-building and JSON-unwrapping idiom, generalized from
// a single-shot prompt to the multi-message/native-tool shape the swarm
// core requires.
type CLIProvider struct {
	// BinaryPath is the CLI executable. Defaults to "claude".
	BinaryPath string
	// Timeout bounds a single invocation; zero means no timeout beyond
	// ctx's own deadline.
	Timeout time.Duration
}

// NewCLIProvider builds a CLIProvider invoking the given binary.
func NewCLIProvider(binaryPath string) *CLIProvider {
	if binaryPath == "" {
		binaryPath = "claude"
	}
	return &CLIProvider{BinaryPath: binaryPath}
}

// Chat serializes messages into a single flattened prompt (the CLI
// transport has no native multi-turn wire format) and shells out.
func (p *CLIProvider) Chat(ctx context.Context, messages []Message, opts ChatOptions) (ChatResponse, error) {
	callCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	prompt, systemPrompt := flattenMessages(messages)

	args := []string{"--system-prompt", systemPrompt, "-p", prompt, "--output-format", "json"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}

	binary := p.BinaryPath
	if binary == "" {
		binary = "claude"
	}
	cmd := exec.CommandContext(callCtx, binary, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return ChatResponse{}, fmt.Errorf("cli provider invocation failed: %w (output: %s)", err, string(out))
	}

	return parseCLIOutput(out)
}

func flattenMessages(messages []Message) (prompt, systemPrompt string) {
	var userParts []string
	for _, m := range messages {
		text := m.Content
		if text == "" {
			var b strings.Builder
			for _, block := range m.Blocks {
				b.WriteString(block.Text)
			}
			text = b.String()
		}
		switch m.Role {
		case RoleSystem:
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += text
		default:
			userParts = append(userParts, text)
		}
	}
	return strings.Join(userParts, "\n\n"), systemPrompt
}

// parseCLIOutput extracts content/usage/tool-calls from the CLI's JSON
// wrapper: the "content" field is used, falling back to "result" when
// content is empty; there is no structured_output handling. Non-JSON
// output falls back to extracting the outermost {...} span.
func parseCLIOutput(raw []byte) (ChatResponse, error) {
	var wrapper map[string]any
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		start := strings.Index(string(raw), "{")
		end := strings.LastIndex(string(raw), "}")
		if start < 0 || end <= start {
			return ChatResponse{Content: string(raw), StopReason: StopEndTurn}, nil
		}
		if err := json.Unmarshal(raw[start:end+1], &wrapper); err != nil {
			return ChatResponse{Content: string(raw), StopReason: StopEndTurn}, nil
		}
	}

	resp := ChatResponse{StopReason: StopEndTurn}

	if v, ok := wrapper["content"].(string); ok {
		resp.Content = v
	}
	if v, ok := wrapper["result"].(string); ok && resp.Content == "" {
		resp.Content = v
	}
	if usage, ok := wrapper["usage"].(map[string]any); ok {
		resp.Usage = Usage{
			InputTokens:  int64(asFloat(usage["input_tokens"])),
			OutputTokens: int64(asFloat(usage["output_tokens"])),
			CachedTokens: int64(asFloat(usage["cache_read_input_tokens"])),
			Cost:         asFloat(usage["cost_usd"]),
		}
	}
	if calls, ok := wrapper["tool_calls"].([]any); ok {
		for _, raw := range calls {
			callMap, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			tc := ToolCall{}
			if id, ok := callMap["id"].(string); ok {
				tc.ID = id
			}
			if name, ok := callMap["name"].(string); ok {
				tc.Name = name
			}
			if args, ok := callMap["arguments"].(map[string]any); ok {
				tc.Arguments = args
			}
			resp.ToolCalls = append(resp.ToolCalls, tc)
		}
		resp.StopReason = StopToolUse
	}

	return resp, nil
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}
