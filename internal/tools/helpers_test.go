package tools_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jamesprial/vmorch/internal/model"
	"github.com/jamesprial/vmorch/internal/safety"
	"github.com/jamesprial/vmorch/internal/tools"
)

// resultText extracts the text string from the first Content element of a
// CallToolResult.
func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil {
		t.Fatal("CallToolResult is nil")
	}
	if len(result.Content) == 0 {
		t.Fatal("CallToolResult.Content is empty")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("Content[0] is %T, want mcp.TextContent", result.Content[0])
	}
	return tc.Text
}

var tokenPattern = regexp.MustCompile(`confirmation_token="([a-f0-9-]+)"`)

func extractToken(t *testing.T, text string) string {
	t.Helper()
	m := tokenPattern.FindStringSubmatch(text)
	if len(m) < 2 {
		t.Fatalf("no confirmation_token found in text:\n%s", text)
	}
	return m[1]
}

// ---------------------------------------------------------------------------
// JSONResult / ErrorResult / EnvelopeResult
// ---------------------------------------------------------------------------

func Test_JSONResult_Cases(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  string
	}{
		{name: "integer", input: 42, want: "42"},
		{name: "string", input: "hello", want: `"hello"`},
		{name: "bool", input: true, want: "true"},
		{name: "nil", input: nil, want: "null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := strings.TrimSpace(resultText(t, tools.JSONResult(tt.input)))
			if got != tt.want {
				t.Errorf("JSONResult(%v) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func Test_JSONResult_UnmarshalableValue(t *testing.T) {
	res := tools.JSONResult(make(chan int))
	if !res.IsError {
		t.Error("JSONResult(chan) should be an error result")
	}
	if !strings.HasPrefix(resultText(t, res), "error: marshaling result") {
		t.Errorf("text = %q", resultText(t, res))
	}
}

func Test_ErrorResult_PrefixFormat(t *testing.T) {
	for _, msg := range []string{"not found", "", "timeout after 30s"} {
		t.Run(fmt.Sprintf("msg=%q", msg), func(t *testing.T) {
			res := tools.ErrorResult(msg)
			if text := resultText(t, res); text != "error: "+msg {
				t.Errorf("ErrorResult(%q) = %q", msg, text)
			}
			if !res.IsError {
				t.Error("IsError = false, want true")
			}
		})
	}
}

func Test_EnvelopeResult_Cases(t *testing.T) {
	tests := []struct {
		name      string
		res       model.Result
		wantError bool
	}{
		{name: "success", res: model.OK("VMCreate", "vm vm-a created", map[string]any{"vm_id": "vm-a"})},
		{name: "failure", res: model.Fail("VMDelete", errors.New("vm not found: vm-x")), wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := tools.EnvelopeResult(tt.res)
			if out.IsError != tt.wantError {
				t.Errorf("IsError = %v, want %v", out.IsError, tt.wantError)
			}
			var parsed model.Result
			if err := json.Unmarshal([]byte(resultText(t, out)), &parsed); err != nil {
				t.Fatalf("envelope is not valid JSON: %v", err)
			}
			if parsed.Action != tt.res.Action || parsed.Message != tt.res.Message || parsed.Success != tt.res.Success {
				t.Errorf("envelope = %+v, want %+v", parsed, tt.res)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// LogAudit
// ---------------------------------------------------------------------------

func Test_LogAudit_NilLogger_NoPanic(t *testing.T) {
	tools.LogAudit(nil, "vm_list", "", nil, true, "ok", time.Now())
}

func Test_LogAudit_WritesEntry(t *testing.T) {
	var buf bytes.Buffer
	audit := safety.NewAuditLogger(&buf, nil)

	start := time.Date(2026, 2, 17, 12, 0, 0, 0, time.UTC)
	tools.LogAudit(audit, "vm_passwd", "vm-a", map[string]any{"password": "pw"}, false, "not running", start)

	var entry safety.AuditEntry
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("audit output is not valid JSON: %v", err)
	}
	if entry.Source != safety.SourceTool || entry.Name != "vm_passwd" || entry.VMID != "vm-a" {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Success || entry.Message != "not running" {
		t.Errorf("outcome = %v/%q", entry.Success, entry.Message)
	}
	if entry.Params["password"] != "***" {
		t.Errorf("password was not masked: %v", entry.Params)
	}
	if !entry.Timestamp.Equal(start) {
		t.Errorf("timestamp = %v, want %v", entry.Timestamp, start)
	}
	if entry.Duration <= 0 {
		t.Errorf("duration = %v, want > 0", entry.Duration)
	}
}

// ---------------------------------------------------------------------------
// ConfirmPrompt
// ---------------------------------------------------------------------------

func Test_ConfirmPrompt_TokenBoundToToolAndResource(t *testing.T) {
	confirm := safety.NewConfirmationTracker([]string{"vm_delete"})

	text := resultText(t, tools.ConfirmPrompt(confirm, "vm_delete", "vm-a", "This will delete vm-a."))
	for _, want := range []string{"Confirmation required for vm_delete", `"vm-a"`, "This will delete vm-a."} {
		if !strings.Contains(text, want) {
			t.Errorf("prompt missing %q:\n%s", want, text)
		}
	}

	token := extractToken(t, text)
	if !confirm.Confirm(token, "vm_delete", "vm-a") {
		t.Error("token from prompt should confirm vm_delete on vm-a")
	}
}

func Test_ConfirmPrompt_TokensUnique(t *testing.T) {
	confirm := safety.NewConfirmationTracker([]string{"vm_delete"})
	a := extractToken(t, resultText(t, tools.ConfirmPrompt(confirm, "vm_delete", "vm-a", "")))
	b := extractToken(t, resultText(t, tools.ConfirmPrompt(confirm, "vm_delete", "vm-a", "")))
	if a == b {
		t.Errorf("two prompts produced the same token %q", a)
	}
}

// ---------------------------------------------------------------------------
// DecodeArg
// ---------------------------------------------------------------------------

func Test_DecodeArg_Cases(t *testing.T) {
	tests := []struct {
		name      string
		args      map[string]any
		wantFound bool
		wantErr   bool
		check     func(t *testing.T, nics map[string]*model.NIC)
	}{
		{
			name:      "object decodes into typed map",
			args:      map[string]any{"nics": map[string]any{"eth0": map[string]any{"kind": "nat"}}},
			wantFound: true,
			check: func(t *testing.T, nics map[string]*model.NIC) {
				t.Helper()
				if nics["eth0"] == nil || nics["eth0"].Kind != model.NICKindNAT {
					t.Errorf("nics = %v", nics)
				}
			},
		},
		{name: "missing key", args: map[string]any{}},
		{name: "null value", args: map[string]any{"nics": nil}},
		{
			name:      "wrong shape",
			args:      map[string]any{"nics": []any{"eth0"}},
			wantFound: true,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := mcp.CallToolRequest{}
			req.Params.Arguments = tt.args

			var nics map[string]*model.NIC
			found, err := tools.DecodeArg(req, "nics", &nics)
			if found != tt.wantFound {
				t.Errorf("found = %v, want %v", found, tt.wantFound)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, nics)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// RegisterAll
// ---------------------------------------------------------------------------

func Test_RegisterAll_RejectsDuplicates(t *testing.T) {
	noop := func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) { return nil, nil }
	regs := []tools.Registration{
		{Tool: mcp.NewTool("vm_list"), Handler: noop},
		{Tool: mcp.NewTool("vm_list"), Handler: noop},
	}
	s := server.NewMCPServer("test", "0.0.0")
	if err := tools.RegisterAll(s, regs, nil); err == nil {
		t.Fatal("RegisterAll() with duplicate names should fail")
	}
	if err := tools.RegisterAll(s, regs[:1], nil); err != nil {
		t.Fatalf("RegisterAll() = %v", err)
	}
}
