package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// HookInput is the JSON payload Claude Code writes to a hook's stdin.
// Unknown fields are ignored.
type HookInput struct {
	SessionID     string `json:"session_id"`
	ToolName      string `json:"tool_name"`
	ToolUseID     string `json:"tool_use_id"`
	Cwd           string `json:"cwd"`
	HookEventName string `json:"hook_event_name"`
}

// HookResponse is the JSON a hook writes to stdout.
type HookResponse struct {
	Continue   bool   `json:"continue"`
	StopReason string `json:"stopReason,omitempty"`
}

// continueResponse lets the agent carry on.
func continueResponse() HookResponse {
	return HookResponse{Continue: true}
}

// stopResponse halts the agent with reason.
func stopResponse(reason string) HookResponse {
	return HookResponse{Continue: false, StopReason: reason}
}

// parseHookInput reads hook input from r.
func parseHookInput(r io.Reader) (*HookInput, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}

	if len(data) == 0 {
		return nil, errors.New("empty input")
	}

	var input HookInput
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return &input, nil
}

func writeHookResponse(w io.Writer, resp HookResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode hook response: %w", err)
	}
	if _, err := fmt.Fprintln(w, string(data)); err != nil {
		return fmt.Errorf("failed to write hook response: %w", err)
	}
	return nil
}
