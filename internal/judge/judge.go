// Package judge evaluates task completion with a model one tier above the
// executor. It is the fallback signal for domains without a deterministic
// contract: when CONTRACT.json exists and passes, the judge is skipped.
package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cortex/internal/llm"
	"cortex/internal/logging"
)

// Result is the judge verdict.
type Result struct {
	Passed      bool     `json:"passed"`
	Score       float64  `json:"score"`
	Reasons     []string `json:"reasons"`
	RawResponse string   `json:"-"`
}

const maxTailEvents = 30

// DefaultJudgeModel maps an executor model to the judge one tier above it.
func DefaultJudgeModel(executorModel string) string {
	lowered := strings.ToLower(executorModel)
	if strings.Contains(lowered, "opus") {
		return "claude-opus-4-6"
	}
	if strings.Contains(lowered, "sonnet") {
		return "claude-opus-4-6"
	}
	return "claude-sonnet-4-5"
}

func clipString(text string, maxChars int) string {
	if len(text) > maxChars {
		return text[:maxChars]
	}
	return text
}

// compactEvents keeps the last 30 events and trims large values so the judge
// prompt stays small.
func compactEvents(events []map[string]any) []map[string]any {
	tail := events
	if len(tail) > maxTailEvents {
		tail = tail[len(tail)-maxTailEvents:]
	}
	compact := make([]map[string]any, 0, len(tail))
	for _, evt := range tail {
		row := map[string]any{
			"step": evt["step"],
			"tool": evt["tool"],
			"ok":   evt["ok"],
		}
		if toolInput, ok := evt["tool_input"].(map[string]any); ok {
			trimmed := make(map[string]any, len(toolInput))
			for key, value := range toolInput {
				if text, ok := value.(string); ok && len(text) > 300 {
					trimmed[key] = text[:300] + "..."
				} else {
					trimmed[key] = value
				}
			}
			row["tool_input"] = trimmed
		}
		if errVal, ok := evt["error"]; ok && errVal != nil && errVal != "" {
			row["error"] = clipString(fmt.Sprintf("%v", errVal), 500)
		}
		if output, ok := evt["output"]; ok && output != nil && output != "" {
			row["output"] = clipString(fmt.Sprintf("%v", output), 500)
		}
		compact = append(compact, row)
	}
	return compact
}

func extractJSONObject(raw string) map[string]any {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return nil
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err != nil {
		return nil
	}
	return parsed
}

func systemPrompt(domainName string) string {
	return "You are a strict task evaluator for a self-improving AI agent system.\n" +
		"Domain: " + domainName + "\n\n" +
		"Your job: judge whether the agent completed the assigned task correctly.\n\n" +
		"Return STRICT JSON only:\n" +
		`{"passed": true|false, "score": 0.0-1.0, "reasons": ["specific reason 1", ...]}` + "\n\n" +
		"Scoring guide:\n" +
		"- 1.0: Task fully completed, correct output\n" +
		"- 0.75: Task mostly complete, minor issues\n" +
		"- 0.5: Partial completion, significant issues\n" +
		"- 0.25: Attempted but largely wrong\n" +
		"- 0.0: Did not complete or completely wrong\n\n" +
		"Rules:\n" +
		"- Each reason MUST reference concrete evidence: error messages, wrong output, missing steps, or specific tool call results.\n" +
		"- Do NOT give generic reasons like 'good job' or 'needs improvement'.\n" +
		"- Judge based on the TASK REQUIREMENTS, not on style or approach.\n" +
		"- If the final state shows correct results, the task passes regardless of how many errors occurred along the way.\n"
}

// Evaluate asks the judge model for a verdict over the event tail and the
// domain's final-state capture.
func Evaluate(ctx context.Context, client llm.Client, model, taskText string, events []map[string]any, finalState, domainName string) Result {
	compact := compactEvents(events)
	eventsJSON, err := json.MarshalIndent(compact, "", " ")
	if err != nil {
		eventsJSON = []byte("[]")
	}
	user := fmt.Sprintf("TASK:\n%s\n\nEVENT LOG (last %d events):\n%s\n\nFINAL STATE:\n%s\n",
		taskText, len(compact), eventsJSON, finalState)

	resp, err := client.CreateMessage(ctx, llm.Request{
		Model:     model,
		MaxTokens: 600,
		System:    systemPrompt(domainName),
		Messages:  []llm.Message{llm.TextMessage("user", user)},
	})
	if err != nil {
		logging.Get(logging.CategoryEval).Warn("judge call failed: %v", err)
		return Result{
			Passed:  false,
			Score:   0.0,
			Reasons: []string{fmt.Sprintf("judge_call_failed: %v", err)},
		}
	}

	raw := resp.Text()
	obj := extractJSONObject(raw)
	if obj == nil {
		return Result{
			Passed:      false,
			Score:       0.0,
			Reasons:     []string{"judge_response_unparseable"},
			RawResponse: clipString(raw, 500),
		}
	}

	passed, _ := obj["passed"].(bool)
	score := 0.0
	if value, ok := obj["score"].(float64); ok {
		score = value
	}
	if score < 0.0 {
		score = 0.0
	}
	if score > 1.0 {
		score = 1.0
	}

	var reasons []string
	if rawReasons, ok := obj["reasons"].([]any); ok {
		for _, item := range rawReasons {
			text, ok := item.(string)
			if !ok {
				continue
			}
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			if len(text) > 280 {
				text = text[:280]
			}
			reasons = append(reasons, text)
			if len(reasons) >= 6 {
				break
			}
		}
	}

	return Result{
		Passed:      passed,
		Score:       score,
		Reasons:     reasons,
		RawResponse: clipString(raw, 500),
	}
}
