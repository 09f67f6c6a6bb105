package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hochfrequenz/daily-evolve/internal/domain"
	"github.com/hochfrequenz/daily-evolve/internal/runner"
)

// fakeAgent writes an executable shell script that records its argv and
// stdin into dir and then runs body
func fakeAgent(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-agent")
	script := "#!/bin/sh\n" +
		"printf '%s\\n' \"$@\" > " + filepath.Join(dir, "args") + "\n" +
		"cat > " + filepath.Join(dir, "stdin") + " 2>/dev/null\n" +
		body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newAgent(t *testing.T, backend Backend, binary, model string) *Agent {
	t.Helper()
	logger := zaptest.NewLogger(t)
	a, err := New(Config{Backend: backend, Binary: binary, Model: model}, runner.New(logger), logger)
	require.NoError(t, err)
	return a
}

func request(t *testing.T, phase domain.Phase) Request {
	t.Helper()
	return Request{
		RunID:        "20261019-060000",
		Phase:        phase,
		Prompt:       "Review the codebase.",
		AllowedTools: []string{"Read", "Glob", "Grep"},
		Dir:          t.TempDir(),
		Limits:       domain.PhaseLimits{Timeout: 10 * time.Second, MaxBudgetUSD: 1.5, MaxTurns: 7},
		Workspace:    t.TempDir(),
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func TestClaudeCode_Success(t *testing.T) {
	dir := t.TempDir()
	bin := fakeAgent(t, dir, `
echo '{"type":"system","subtype":"init"}'
echo '{"type":"assistant","message":{"content":[]}}'
printf '%s\n' '{"type":"result","subtype":"success","is_error":false,"result":"FEATURE: dark-mode\nDESCRIPTION: adds a theme","num_turns":3,"total_cost_usd":0.12,"usage":{"input_tokens":100,"output_tokens":50}}'
`)
	a := newAgent(t, BackendClaudeCode, bin, "sonnet")
	req := request(t, domain.PhaseReview)

	res := a.Run(context.Background(), req)

	require.Equal(t, domain.ClassSuccess, res.Class, "err: %v", res.Err)
	assert.Equal(t, "FEATURE: dark-mode\nDESCRIPTION: adds a theme", res.Output)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 0.12, res.Usage.CostUSD)
	assert.Equal(t, 3, res.Usage.Turns)
	assert.Equal(t, 100, res.Usage.TokensInput)
	assert.Equal(t, SessionID(req.RunID, req.Phase), res.Usage.SessionID)

	args := readLines(t, filepath.Join(dir, "args"))
	assert.Subset(t, args, []string{"--print", "--verbose", "--output-format", "stream-json"})
	assert.Contains(t, strings.Join(args, " "), "--allowedTools Read,Glob,Grep")
	assert.Contains(t, strings.Join(args, " "), "--model sonnet")
	assert.Contains(t, strings.Join(args, " "), "--max-turns 7")
	assert.Contains(t, strings.Join(args, " "), "--max-budget-usd 1.5")
	assert.Contains(t, strings.Join(args, " "), "--session-id "+SessionID(req.RunID, req.Phase))
	assert.NotContains(t, args, req.Prompt, "prompt must go through stdin")

	stdin, err := os.ReadFile(filepath.Join(dir, "stdin"))
	require.NoError(t, err)
	assert.Equal(t, req.Prompt, string(stdin))
}

func TestClaudeCode_Classification(t *testing.T) {
	tests := []struct {
		name string
		body string
		want domain.Classification
	}{
		{
			name: "budget ceiling",
			body: `echo '{"type":"result","subtype":"error_max_budget_usd","is_error":true,"total_cost_usd":1.51}'; exit 1`,
			want: domain.ClassBudgetExceeded,
		},
		{
			name: "turn ceiling with clean exit",
			body: `echo '{"type":"result","subtype":"error_max_turns","is_error":true,"num_turns":7}'`,
			want: domain.ClassBudgetExceeded,
		},
		{
			name: "agent error",
			body: `echo '{"type":"result","subtype":"error_during_execution","is_error":true,"result":"boom"}'`,
			want: domain.ClassNonZeroExit,
		},
		{
			name: "crash",
			body: `echo '{"type":"error","error":"invalid api key"}'; exit 2`,
			want: domain.ClassNonZeroExit,
		},
		{
			name: "no result event",
			body: `echo 'plain text, not a stream'`,
			want: domain.ClassParseError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAgent(t, BackendClaudeCode, fakeAgent(t, t.TempDir(), tt.body), "")
			res := a.Run(context.Background(), request(t, domain.PhaseImplement))
			assert.Equal(t, tt.want, res.Class)
			assert.Error(t, res.Err)
		})
	}
}

func TestClaudeCode_ParseErrorKeepsRawOutput(t *testing.T) {
	a := newAgent(t, BackendClaudeCode, fakeAgent(t, t.TempDir(), `echo 'FEATURE: raw'`), "")
	res := a.Run(context.Background(), request(t, domain.PhaseReview))

	assert.Equal(t, domain.ClassParseError, res.Class)
	assert.Contains(t, res.Output, "FEATURE: raw")
}

func TestClaudeCode_CrashMessageExtracted(t *testing.T) {
	a := newAgent(t, BackendClaudeCode, fakeAgent(t, t.TempDir(), `echo '{"type":"error","error":"invalid api key"}'; exit 2`), "")
	res := a.Run(context.Background(), request(t, domain.PhaseReview))

	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "invalid api key")
	assert.Equal(t, 2, res.ExitCode)
}

func TestClaudeCode_TimeoutStaysTimeout(t *testing.T) {
	a := newAgent(t, BackendClaudeCode, fakeAgent(t, t.TempDir(), `sleep 30`), "")
	req := request(t, domain.PhaseImplement)
	req.Limits.Timeout = 200 * time.Millisecond

	res := a.Run(context.Background(), req)
	assert.Equal(t, domain.ClassTimeout, res.Class)
}

func TestClaudeCode_OmitsUnsetCeilings(t *testing.T) {
	dir := t.TempDir()
	bin := fakeAgent(t, dir, `echo '{"type":"result","subtype":"success","result":"ok"}'`)
	a := newAgent(t, BackendClaudeCode, bin, "")
	req := request(t, domain.PhaseReview)
	req.Limits = domain.PhaseLimits{Timeout: 10 * time.Second}
	req.AllowedTools = nil

	res := a.Run(context.Background(), req)
	require.True(t, res.OK())

	args := strings.Join(readLines(t, filepath.Join(dir, "args")), " ")
	assert.NotContains(t, args, "--max-turns")
	assert.NotContains(t, args, "--max-budget-usd")
	assert.NotContains(t, args, "--allowedTools")
	assert.NotContains(t, args, "--model")
}

func TestOpenCode_Run(t *testing.T) {
	dir := t.TempDir()
	bin := fakeAgent(t, dir, `echo "FEATURE: from-opencode"`)
	a := newAgent(t, BackendOpenCode, bin, "zai-coding-plan/glm-4.7")
	req := request(t, domain.PhaseReview)

	res := a.Run(context.Background(), req)

	require.Equal(t, domain.ClassSuccess, res.Class)
	assert.Contains(t, res.Output, "FEATURE: from-opencode")
	assert.Nil(t, res.Usage)
	assert.Equal(t, []string{"run", "-m", "zai-coding-plan/glm-4.7", req.Prompt}, readLines(t, filepath.Join(dir, "args")))
}

func TestOpenCode_BillingError(t *testing.T) {
	bin := fakeAgent(t, t.TempDir(), `echo '{"type":"error","error":{"name":"CreditsError","data":{"message":"No payment method"}}}'; exit 1`)
	a := newAgent(t, BackendOpenCode, bin, "")

	res := a.Run(context.Background(), request(t, domain.PhaseImplement))

	assert.Equal(t, domain.ClassNonZeroExit, res.Class)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "billing")
}

func TestSessionID(t *testing.T) {
	a := SessionID("20261019-060000", domain.PhaseReview)
	assert.Equal(t, a, SessionID("20261019-060000", domain.PhaseReview))
	assert.NotEqual(t, a, SessionID("20261019-060000", domain.PhaseImplement))
	assert.NotEqual(t, a, SessionID("20261020-060000", domain.PhaseReview))
	assert.Len(t, a, 36)
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(Config{Backend: "cursor"}, nil, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestNew_DefaultBinary(t *testing.T) {
	a, err := New(Config{Backend: BackendOpenCode}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "opencode", a.cfg.Binary)
	assert.Equal(t, BackendOpenCode, a.Backend())
}
