package agent

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hochfrequenz/daily-evolve/internal/domain"
)

// resultEvent is the final message of a Claude Code stream-json session
type resultEvent struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype"`
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`
	SessionID    string  `json:"session_id"`
	NumTurns     int     `json:"num_turns"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	CostUSD      float64 `json:"cost_usd"`
	Usage        struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// errMissingResult marks a stream that ended without a result event
var errMissingResult = errors.New("agent output has no result event")

// findResult returns the last result event in a stream-json transcript
func findResult(output string) (*resultEvent, bool) {
	var found *resultEvent
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var ev resultEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if ev.Type == "result" {
			found = &ev
		}
	}
	return found, found != nil
}

// interpretStream derives the agent-level classification from the runner
// result. Timeouts and cancellations stay as they are.
func interpretStream(res domain.PhaseResult) domain.PhaseResult {
	ev, ok := findResult(res.Output)
	if ok {
		cost := ev.TotalCostUSD
		if cost == 0 {
			cost = ev.CostUSD
		}
		res.Usage = &domain.Usage{
			SessionID:    ev.SessionID,
			CostUSD:      cost,
			Turns:        ev.NumTurns,
			TokensInput:  ev.Usage.InputTokens,
			TokensOutput: ev.Usage.OutputTokens,
		}
	}

	switch res.Class {
	case domain.ClassTimeout, domain.ClassCanceled:
		return res
	}
	if res.ExitCode == -1 && res.Output == "" {
		// never started
		return res
	}

	switch {
	case ok && isBudgetStop(ev.Subtype):
		res.Class = domain.ClassBudgetExceeded
		res.Err = fmt.Errorf("agent stopped: %s", ev.Subtype)
	case res.Class == domain.ClassBudgetExceeded:
	case ok && ev.IsError:
		res.Class = domain.ClassNonZeroExit
		res.Err = fmt.Errorf("agent reported an error (%s): %s", ev.Subtype, firstLine(ev.Result))
	case res.Class == domain.ClassNonZeroExit:
		if msg := errorFromOutput(res.Output); msg != "" {
			res.Err = fmt.Errorf("%w: %s", res.Err, msg)
		}
	case !ok:
		res.Class = domain.ClassParseError
		res.Err = errMissingResult
	default:
		res.Output = ev.Result
	}
	return res
}

func isBudgetStop(subtype string) bool {
	return subtype == "error_max_turns" || strings.HasPrefix(subtype, "error_max_budget")
}

// errorFromOutput scans the tail of the output for an error event from
// either backend and returns a human-readable message
func errorFromOutput(output string) string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	for i := len(lines) - 1; i >= 0 && i >= len(lines)-20; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}

		var openCodeErr struct {
			Type  string `json:"type"`
			Error struct {
				Name string `json:"name"`
				Data struct {
					Message string `json:"message"`
				} `json:"data"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(line), &openCodeErr); err == nil && openCodeErr.Type == "error" {
			msg := openCodeErr.Error.Data.Message
			if msg == "" {
				msg = openCodeErr.Error.Name
			}
			if strings.Contains(msg, "CreditsError") || strings.Contains(msg, "No payment method") {
				return "opencode billing error: no payment method configured"
			}
			if msg != "" {
				return msg
			}
		}

		var claudeErr struct {
			Type  string `json:"type"`
			Error string `json:"error"`
		}
		if err := json.Unmarshal([]byte(line), &claudeErr); err == nil && claudeErr.Type == "error" && claudeErr.Error != "" {
			return claudeErr.Error
		}
	}
	return ""
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
