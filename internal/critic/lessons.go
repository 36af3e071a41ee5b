// Package critic mines lessons from finished runs. The generator asks a
// model for a strict-JSON list of lessons, the quality filter drops generic
// advice, and survivors become candidate lesson records. The legacy skill
// patch pipeline (propose, queue, trend-gated promote) also lives here.
package critic

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"cortex/internal/llm"
	"cortex/internal/logging"
)

// AllowedCategories for generated lessons; anything else maps to insight.
var AllowedCategories = map[string]bool{
	"mistake":       true,
	"insight":       true,
	"shortcut":      true,
	"domain_detail": true,
}

// GeneratedLesson is one critic output before quality filtering.
type GeneratedLesson struct {
	Category      string `json:"category"`
	Lesson        string `json:"lesson"`
	EvidenceSteps []int  `json:"evidence_steps"`
}

func extractJSONArray(raw string) []map[string]any {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil
	}
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end == -1 || end <= start {
		return nil
	}
	var parsed []any
	if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err != nil {
		return nil
	}
	var items []map[string]any
	for _, item := range parsed {
		if obj, ok := item.(map[string]any); ok {
			items = append(items, obj)
		}
	}
	return items
}

func normalizeSteps(raw any) []int {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	set := map[int]bool{}
	for _, item := range items {
		value, ok := item.(float64)
		if !ok || value != float64(int(value)) {
			continue
		}
		if step := int(value); step > 0 {
			set[step] = true
		}
		if len(set) >= 8 {
			break
		}
	}
	steps := make([]int, 0, len(set))
	for step := range set {
		steps = append(steps, step)
	}
	sort.Ints(steps)
	return steps
}

func criticSystemPrompt(domainName string) string {
	return "You are a post-run learning critic for the " + domainName + " domain.\n" +
		"Return STRICT JSON array only. Each item must match:\n" +
		`{"category":"mistake|insight|shortcut|domain_detail","lesson":"...","evidence_steps":[1,2]}` + "\n" +
		"Rules:\n" +
		"- Be specific and short.\n" +
		"- Base lessons only on provided events and deterministic eval.\n" +
		"- 1 to 4 lessons total.\n"
}

// GenerateLessons asks the critic model for lessons. Returns nil on a fully
// passed run, on call failure, or when nothing parseable comes back. In strict
// learning mode the caller passes retrieved doc chunks as criticContext so the
// critic grounds lessons in domain documentation instead of free recall.
func GenerateLessons(ctx context.Context, client llm.Client, model, domainName, taskID, task string,
	evalResult map[string]any, eventsTail []map[string]any, skillRefsUsed []string, criticContext string) []GeneratedLesson {

	passed, _ := evalResult["passed"].(bool)
	score, _ := evalResult["score"].(float64)
	if passed && score >= 1.0 {
		return nil
	}

	evalJSON, _ := json.Marshal(evalResult)
	eventsJSON, _ := json.Marshal(eventsTail)
	refsJSON, _ := json.Marshal(skillRefsUsed)
	user := fmt.Sprintf("TASK_ID:\n%s\n\nTASK:\n%s\n\nEVAL:\n%s\n\nEVENTS_TAIL:\n%s\n\nSKILLS_USED:\n%s",
		taskID, task, evalJSON, eventsJSON, refsJSON)
	if strings.TrimSpace(criticContext) != "" {
		user += "\n\nCONTEXT:\n" + criticContext
	}

	resp, err := client.CreateMessage(ctx, llm.Request{
		Model:     model,
		MaxTokens: 500,
		System:    criticSystemPrompt(domainName),
		Messages:  []llm.Message{llm.TextMessage("user", user)},
	})
	if err != nil {
		logging.Get(logging.CategoryEval).Warn("critic lesson call failed: %v", err)
		return nil
	}

	items := extractJSONArray(resp.Text())
	if len(items) > 4 {
		items = items[:4]
	}
	var lessons []GeneratedLesson
	for _, item := range items {
		category := strings.ToLower(strings.TrimSpace(fmt.Sprint(item["category"])))
		if !AllowedCategories[category] {
			category = "insight"
		}
		text := strings.Join(strings.Fields(fmt.Sprint(item["lesson"])), " ")
		if text == "" || text == "<nil>" {
			continue
		}
		if len(text) > 280 {
			text = text[:280]
		}
		lessons = append(lessons, GeneratedLesson{
			Category:      category,
			Lesson:        text,
			EvidenceSteps: normalizeSteps(item["evidence_steps"]),
		})
	}
	return lessons
}

func utcStamp() string {
	return time.Now().UTC().Format("2006-01-02")
}
