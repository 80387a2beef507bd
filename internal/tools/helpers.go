// Package tools provides shared helper utilities for MCP tool handlers.
package tools

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jamesprial/vmorch/internal/model"
	"github.com/jamesprial/vmorch/internal/safety"
)

// JSONResult marshals v to indented JSON and returns an mcp.CallToolResult.
func JSONResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ErrorResult(fmt.Sprintf("marshaling result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

// ErrorResult returns an mcp.CallToolResult that describes an error condition.
func ErrorResult(msg string) *mcp.CallToolResult {
	res := mcp.NewToolResultText(fmt.Sprintf("error: %s", msg))
	res.IsError = true
	return res
}

// EnvelopeResult renders an engine result envelope. A failed envelope is
// flagged as a tool error but still carries the full envelope.
func EnvelopeResult(res model.Result) *mcp.CallToolResult {
	out := JSONResult(res)
	if !res.Success {
		out.IsError = true
	}
	return out
}

// LogAudit logs a tool invocation to the audit logger, silently ignoring a nil logger.
func LogAudit(audit *safety.AuditLogger, toolName, vmID string, params map[string]any, success bool, message string, start time.Time) {
	if audit == nil {
		return
	}
	_ = audit.Log(safety.AuditEntry{
		Timestamp: start,
		Source:    safety.SourceTool,
		Name:      toolName,
		VMID:      vmID,
		Params:    params,
		Success:   success,
		Message:   message,
		Duration:  time.Since(start),
	})
}

// ConfirmPrompt issues a confirmation request bound to toolName and resource
// and returns the prompt result.
func ConfirmPrompt(confirm *safety.ConfirmationTracker, toolName, resource, description string) *mcp.CallToolResult {
	token := confirm.RequestConfirmation(toolName, resource, description)
	return mcp.NewToolResultText(fmt.Sprintf(
		"Confirmation required for %s on %q.\n\n%s\n\nTo proceed, call %s again with the same arguments and confirmation_token=%q.",
		toolName, resource, description, toolName, token,
	))
}

// DecodeArg re-decodes the structured argument key into dst. A missing key
// leaves dst untouched and returns false.
func DecodeArg(req mcp.CallToolRequest, key string, dst any) (bool, error) {
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		return false, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return true, fmt.Errorf("argument %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return true, fmt.Errorf("argument %s: %w", key, err)
	}
	return true, nil
}
