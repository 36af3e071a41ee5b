package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cortex/internal/contract"
	"cortex/internal/critic"
	"cortex/internal/escalation"
	"cortex/internal/judge"
	"cortex/internal/knowledge"
	"cortex/internal/logging"
	"cortex/internal/memory"
	"cortex/internal/promotion"
	"cortex/internal/session"
	"cortex/internal/skills"
)

func evaluationToMap(ev contract.Evaluation) map[string]any {
	return map[string]any{
		"applicable":    ev.Applicable,
		"passed":        ev.Passed,
		"score":         ev.Score,
		"reasons":       ev.Reasons,
		"evidence":      ev.Evidence,
		"contract_path": ev.ContractPath,
	}
}

func serializeLessons(lessons []critic.GeneratedLesson) []map[string]any {
	out := make([]map[string]any, 0, len(lessons))
	for _, l := range lessons {
		out = append(out, map[string]any{
			"category":       l.Category,
			"lesson":         l.Lesson,
			"evidence_steps": l.EvidenceSteps,
		})
	}
	return out
}

func tailEventRows(events []map[string]any, limit int) []map[string]any {
	start := len(events) - limit
	if start < 0 {
		start = 0
	}
	tail := make([]map[string]any, 0, len(events)-start)
	for _, row := range events[start:] {
		tail = append(tail, map[string]any{
			"step":       row["step"],
			"tool":       row["tool"],
			"tool_input": row["tool_input"],
			"ok":         row["ok"],
			"error":      row["error"],
		})
	}
	return tail
}

// loadSkillSnapshots resolves the top routed skills with their digests so the
// reflection critic patches against the exact content it saw.
func loadSkillSnapshots(entries []skills.ManifestEntry, routedRefs []string) []string {
	var snapshots []string
	for i, ref := range routedRefs {
		if i >= 3 {
			break
		}
		content, errText := skills.ResolveSkillContent(entries, ref)
		if errText != "" {
			continue
		}
		digest := critic.SkillDigest(content)
		snapshots = append(snapshots, fmt.Sprintf("skill_ref: %s\nskill_digest: %s\n%s", ref, digest, content))
	}
	return snapshots
}

// loadRecentEvalScores returns up to limit eval scores of earlier sessions on
// the same task and domain, oldest first.
func loadRecentEvalScores(sessionsRoot, taskID, domainName string, limit int) []float64 {
	dirs, err := os.ReadDir(sessionsRoot)
	if err != nil {
		return nil
	}
	type candidate struct {
		path  string
		mtime time.Time
	}
	var candidates []candidate
	for _, dir := range dirs {
		if !dir.IsDir() || !strings.HasPrefix(dir.Name(), "session-") {
			continue
		}
		path := filepath.Join(sessionsRoot, dir.Name(), "metrics.json")
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		candidates = append(candidates, candidate{path: path, mtime: info.ModTime()})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].mtime.After(candidates[j].mtime) })

	var scores []float64
	for _, c := range candidates {
		row := session.ReadMetrics(c.path)
		if row == nil {
			continue
		}
		rowTask, _ := row["task_id"].(string)
		rowDomain, _ := row["domain"].(string)
		if strings.TrimSpace(rowTask) != taskID || strings.TrimSpace(rowDomain) != domainName {
			continue
		}
		score, ok := row["eval_score"].(float64)
		if !ok {
			continue
		}
		scores = append(scores, score)
		if len(scores) >= limit {
			break
		}
	}
	for i, j := 0, len(scores)-1; i < j; i, j = i+1, j-1 {
		scores[i], scores[j] = scores[j], scores[i]
	}
	return scores
}

// buildCriticContextQuery mixes task intent, evaluator reasons, and recent
// runtime errors so strict retrieval pulls docs actionable for this run.
func buildCriticContextQuery(taskText string, evalResult map[string]any, eventsTail []map[string]any) string {
	var reasons []string
	if list, ok := evalResult["reasons"].([]string); ok {
		reasons = list
	} else if list, ok := evalResult["reasons"].([]any); ok {
		for _, item := range list {
			reasons = append(reasons, fmt.Sprint(item))
		}
	}
	var snippets []string
	for _, row := range eventsTail {
		errText, _ := row["error"].(string)
		errText = strings.TrimSpace(errText)
		if errText == "" {
			continue
		}
		if len(errText) > 180 {
			errText = errText[:180]
		}
		snippets = append(snippets, errText)
	}
	if len(snippets) > 6 {
		snippets = snippets[len(snippets)-6:]
	}
	return fmt.Sprintf("task=%s\nreasons=%s\nerrors=%s",
		taskText, strings.Join(reasons, ", "), strings.Join(snippets, " | "))
}

// formatCriticContext keeps explicit source ids so downstream analysis can
// audit which docs the strict critic relied on.
func formatCriticContext(chunks []knowledge.RetrievedChunk) string {
	if len(chunks) == 0 {
		return ""
	}
	var parts []string
	for i, chunk := range chunks {
		title := chunk.SourceTitle
		if title == "" {
			title = "doc"
		}
		sourceID := chunk.SourceID
		if sourceID == "" {
			sourceID = fmt.Sprintf("doc-%d", i+1)
		}
		parts = append(parts, fmt.Sprintf("[%d] %s (%s)\n%s", i+1, title, sourceID, chunk.Text))
	}
	return strings.Join(parts, "\n\n")
}

func toInt(value any) int {
	switch v := value.(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func round(value float64, places int) float64 {
	shift := math.Pow(10, float64(places))
	return math.Round(value*shift) / shift
}

func clampFloat(v, low, high float64) float64 {
	return math.Min(high, math.Max(low, v))
}

// resolveVerdict folds the deterministic and judge outcomes into the final
// pass/fail/uncertain verdict. When both evaluators ran and disagree the run
// is uncertain rather than letting either side win.
func resolveVerdict(detApplicable, detPassed, judgeRan, judgePassed bool) string {
	passFail := func(passed bool) string {
		if passed {
			return "pass"
		}
		return "fail"
	}
	switch {
	case detApplicable && judgeRan:
		if detPassed != judgePassed {
			return "uncertain"
		}
		return passFail(detPassed)
	case detApplicable:
		return passFail(detPassed)
	case judgeRan:
		return passFail(judgePassed)
	default:
		return "fail"
	}
}

// finishRun evaluates the session, mines lessons, applies outcome-driven
// promotion, optionally patches skills, and persists escalation state and
// metrics.
func (r *Runner) finishRun(ctx context.Context, st *runState) error {
	log := logging.Get(logging.CategoryEval)
	opts := st.opts
	events := session.ReadEvents(st.paths.EventsPath)

	var evalResult map[string]any
	detApplicable := false
	detPassed := false
	if st.hasContract {
		ev := contract.Evaluate(st.taskText, opts.TaskID, events,
			filepath.Join(st.workspace.WorkDir, "task.db"), r.cfg.Paths.TasksRoot)
		evalResult = evaluationToMap(ev)
		st.metrics["eval_passed"] = ev.Passed
		st.metrics["eval_score"] = ev.Score
		st.metrics["eval_reasons"] = ev.Reasons
		detApplicable = ev.Applicable
		detPassed = ev.Passed
	} else {
		evalResult = map[string]any{"passed": false, "score": 0.0, "reasons": []string{"no_contract"}}
	}

	judgeRan := false
	judgePassed := false
	evalPassed, _ := st.metrics["eval_passed"].(bool)
	if !st.hasContract || !evalPassed {
		finalState := st.adapter.CaptureFinalState(st.workspace)
		verdict := judge.Evaluate(ctx, r.client, st.judgeModel, st.taskText, events, finalState, opts.Domain)
		judgeRan = true
		judgePassed = verdict.Passed
		st.metrics["judge_passed"] = verdict.Passed
		st.metrics["judge_score"] = verdict.Score
		st.metrics["judge_reasons"] = verdict.Reasons
		st.metrics["judge_critique"] = verdict.RawResponse
		if !st.hasContract {
			// Without a contract the judge is the primary eval signal.
			st.metrics["eval_passed"] = verdict.Passed
			st.metrics["eval_score"] = verdict.Score
			st.metrics["eval_reasons"] = verdict.Reasons
			evalResult = map[string]any{
				"passed":  verdict.Passed,
				"score":   verdict.Score,
				"reasons": verdict.Reasons,
			}
		}
	}
	st.metrics["verdict"] = resolveVerdict(detApplicable, detPassed, judgeRan, judgePassed)

	criticNoUpdates := false
	if opts.PosttaskLearn && len(st.manifestEntries) > 0 {
		// Demo mode keeps lesson generation and promotion active while
		// suppressing the legacy skill patching hooks for cleaner traces.
		patchingEnabled := opts.ArchitectureMode == "full" && !opts.MemoryV2DemoMode
		st.metrics["posttask_patch_attempted"] = patchingEnabled

		tailEvents := tailEventRows(events, 20)
		skillSnapshots := loadSkillSnapshots(st.manifestEntries, st.routedRefs)
		domainKeywords := st.adapter.QualityKeywords()
		readRefs := sortedSet(st.readSkillRefs)

		criticContext := ""
		criticContextSources := []string{}
		if opts.LearningMode == "strict" {
			// Strict-only critic retrieval path: adapter docs feed lexical
			// retrieval; the critic prompt gets only the selected chunks.
			query := buildCriticContextQuery(st.taskText, evalResult, tailEvents)
			chunks := r.knowledge.Retrieve(query, st.adapter.DocsManifest(), knowledge.DefaultMaxChunks)
			criticContext = formatCriticContext(chunks)
			for _, chunk := range chunks {
				criticContextSources = append(criticContextSources, chunk.SourceID)
			}
		}
		st.metrics["critic_context_sources"] = criticContextSources

		lessonModel := st.criticModel
		if opts.ArchitectureMode == "simplified" {
			lessonModel = st.executorModel
		}
		rawLessons := critic.GenerateLessons(ctx, r.client, lessonModel, opts.Domain,
			opts.TaskID, st.taskText, evalResult, tailEvents, readRefs, criticContext)
		filtered := critic.FilterLessons(rawLessons, domainKeywords, r.cfg.Learning.MinLessonQuality)
		filteredTexts := map[string]bool{}
		for _, l := range filtered {
			filteredTexts[l.Lesson] = true
		}
		var rejected []critic.GeneratedLesson
		for _, l := range rawLessons {
			if !filteredTexts[l.Lesson] {
				rejected = append(rejected, l)
			}
		}
		st.metrics["critic_raw_lessons"] = serializeLessons(rawLessons)
		st.metrics["critic_filtered_lessons"] = serializeLessons(filtered)
		st.metrics["critic_rejected_lessons"] = serializeLessons(rejected)
		st.metrics["lessons_generated"] = len(filtered)

		// Candidate generation uses executor self-reflection regardless of
		// architecture mode so utility is measured against one generator.
		v2Raw := critic.GenerateLessons(ctx, r.client, st.executorModel, opts.Domain,
			opts.TaskID, st.taskText, evalResult, tailEvents, readRefs, criticContext)
		v2Filtered := critic.FilterLessons(v2Raw, domainKeywords, r.cfg.Learning.MinLessonQuality)

		var hardFingerprints []string
		fingerprintCounts := map[string]int{}
		for _, event := range st.runErrorEvents {
			if event.Channel != memory.ChannelHardFailure {
				continue
			}
			hardFingerprints = append(hardFingerprints, event.Fingerprint)
			fingerprintCounts[event.Fingerprint]++
		}
		candidates, err := critic.BuildCandidateRecords(opts.SessionID, opts.TaskID,
			st.taskText, opts.Domain, v2Filtered, hardFingerprints)
		if err != nil {
			log.Warn("candidate build failed: %v", err)
		}
		stats, err := st.store.Upsert(candidates)
		if err != nil {
			log.Warn("lesson upsert failed: %v", err)
		}
		st.metrics["v2_lessons_generated"] = stats.Inserted
		st.metrics["v2_lessons_merged"] = stats.Merged
		st.metrics["v2_conflict_links"] = stats.ConflictLinks
		st.metrics["v2_fingerprint_counts"] = fingerprintCounts
		recurrence := 0
		for _, count := range fingerprintCounts {
			if count > 1 {
				recurrence++
			}
		}
		st.metrics["v2_fingerprint_recurrence"] = recurrence
		st.metrics["v2_fingerprint_recurrence_before"] = recurrence

		recentScores := loadRecentEvalScores(r.cfg.Paths.SessionsRoot, opts.TaskID, opts.Domain, 6)
		var refereeGain *float64
		if len(recentScores) > 0 {
			baseline := 0.0
			for _, score := range recentScores {
				baseline += score
			}
			baseline /= float64(len(recentScores))
			evalScore, _ := st.metrics["eval_score"].(float64)
			gain := evalScore - baseline
			refereeGain = &gain
		}

		type bucket struct {
			errorSum float64
			effSum   float64
			count    float64
		}
		buckets := map[string]*bucket{}
		helped := 0
		recurredAfter := map[string]bool{}
		steps := toInt(st.metrics["steps"])
		for _, activation := range st.activationRecords {
			repeatsAfter := 0
			for _, event := range st.runErrorEvents {
				if event.Channel == memory.ChannelHardFailure &&
					event.Fingerprint == activation.Fingerprint &&
					toInt(event.Metadata["step"]) > activation.Step {
					repeatsAfter++
				}
			}
			errorReduction := 1.0
			if repeatsAfter > 0 {
				errorReduction = -clampFloat(float64(repeatsAfter)/3.0, 0.0, 1.0)
				recurredAfter[activation.Fingerprint] = true
			} else {
				helped++
			}
			stepEfficiency := clampFloat(1.0-float64(steps)/float64(maxInt(1, st.maxSteps)), -1.0, 1.0)
			for _, lessonID := range activation.LessonIDs {
				key := strings.TrimSpace(lessonID)
				if key == "" {
					continue
				}
				b := buckets[key]
				if b == nil {
					b = &bucket{}
					buckets[key] = b
				}
				b.errorSum += errorReduction
				b.effSum += stepEfficiency
				b.count++
			}
		}

		evalScore, _ := st.metrics["eval_score"].(float64)
		majorRegression := evalScore < 0.2 && toInt(st.metrics["tool_errors"]) > 0
		var outcomes []promotion.Outcome
		for lessonID, b := range buckets {
			count := math.Max(1.0, b.count)
			outcomes = append(outcomes, promotion.Outcome{
				LessonID:           lessonID,
				ErrorReduction:     b.errorSum / count,
				StepEfficiencyGain: b.effSum / count,
				RefereeScoreGain:   refereeGain,
				MajorRegression:    majorRegression,
			})
		}
		for lessonID, count := range st.contradictionLosers {
			if count <= 0 {
				continue
			}
			outcomes = append(outcomes, promotion.Outcome{
				LessonID:         lessonID,
				RefereeScoreGain: refereeGain,
				ContradictionLost: true,
			})
		}
		promotionConfig := promotion.DefaultConfig()
		if r.cfg.Learning.PromotionMinUtility > 0 {
			promotionConfig.MinMeanUtility = r.cfg.Learning.PromotionMinUtility
		}
		promoStats, err := promotion.NewController(st.store, promotionConfig).ApplyOutcomes(outcomes)
		if err != nil {
			log.Warn("promotion apply failed: %v", err)
		}
		st.metrics["v2_promoted"] = promoStats.Promoted
		st.metrics["v2_suppressed"] = promoStats.Suppressed
		st.metrics["v2_outcomes_updated"] = promoStats.Updated
		st.metrics["v2_fingerprint_recurrence_after"] = len(recurredAfter)
		st.metrics["v2_retrieval_help_ratio"] = round(
			float64(helped)/float64(maxInt(1, len(st.activationRecords))), 4)

		if !patchingEnabled {
			st.metrics["posttask_skill_patching_skipped_by_mode"] = true
			if opts.MemoryV2DemoMode {
				st.metrics["posttask_skill_patching_skip_reason"] = "memory_v2_demo_mode"
			} else {
				st.metrics["posttask_skill_patching_skip_reason"] = "architecture_mode"
			}
		} else {
			updates, confidence, _ := critic.ProposeSkillUpdates(ctx, r.client, st.criticModel,
				st.taskText, st.metrics, evalResult, tailEvents, st.routedRefs, readRefs, skillSnapshots)
			criticNoUpdates = len(updates) == 0

			requiredDigests := map[string]string{}
			allowedRefs := map[string]bool{}
			for _, update := range updates {
				requiredDigests[update.SkillRef] = update.SkillDigest
				allowedRefs[update.SkillRef] = true
			}
			patchOpts := critic.ApplyOptions{
				RequiredSkillDigests: requiredDigests,
				AllowedSkillRefs:     allowedRefs,
			}

			var patchInfo any
			if opts.PosttaskMode == "direct" {
				applied := critic.ApplySkillUpdates(st.manifestEntries, updates, confidence,
					r.cfg.Paths.SkillsRoot, r.cfg.Paths.ManifestPath, patchOpts)
				st.metrics["posttask_patch_applied"] = applied.Applied
				patchInfo = applied
			} else {
				queued := critic.QueueSkillUpdateCandidates(r.cfg.Paths.QueuePath, updates, confidence,
					opts.SessionID, opts.TaskID, evalResult, patchOpts)
				st.metrics["posttask_candidates_queued"] = queued.Queued
				patchInfo = queued
			}
			hookOutput, _ := json.Marshal(map[string]any{
				"confidence":   confidence,
				"update_count": len(updates),
				"result":       patchInfo,
			})
			writePosttaskEvent(st, toInt(st.metrics["steps"])+1, "posttask_hook",
				map[string]any{"mode": opts.PosttaskMode, "critic_model": st.criticModel}, string(hookOutput))

			promoted := critic.AutoPromoteQueuedCandidates(st.manifestEntries,
				r.cfg.Paths.QueuePath, r.cfg.Paths.PromotedPath, r.cfg.Paths.SessionsRoot,
				opts.TaskID, r.cfg.Paths.SkillsRoot, r.cfg.Paths.ManifestPath)
			st.metrics["auto_promotion_applied"] = promoted.Applied
			st.metrics["auto_promotion_reason"] = promoted.Reason
			gateOutput, _ := json.Marshal(promoted)
			writePosttaskEvent(st, toInt(st.metrics["steps"])+2, "promotion_gate",
				map[string]any{"task_id": opts.TaskID}, string(gateOutput))
		}
	}

	evalScore, _ := st.metrics["eval_score"].(float64)
	evalPassed, _ = st.metrics["eval_passed"].(bool)
	st.escalationState = escalation.EscalateIfNeeded(st.escalationState, r.cfg.Models.Critic,
		r.cfg.Learning.AutoEscalateCritic,
		escalation.Outcome{EvalScore: evalScore, EvalPassed: evalPassed, CriticNoUpdates: criticNoUpdates},
		r.cfg.Learning.EscalationScoreThreshold, maxInt(1, r.cfg.Learning.EscalationConsecutiveRuns))
	if err := escalation.SaveState(r.cfg.Paths.EscalationStatePath, st.escalationState); err != nil {
		log.Warn("escalation state save failed: %v", err)
	}
	st.metrics["critic_no_updates_streak"] = st.escalationState.CriticNoUpdatesStreak
	st.metrics["low_score_streak"] = st.escalationState.LowScoreStreak
	st.metrics["fail_streak"] = st.escalationState.FailStreak
	st.metrics["escalation_state"] = map[string]any{
		"tier":                    st.escalationState.Tier,
		"override_runs_remaining": st.escalationState.OverrideRunsRemaining,
		"last_trigger":            st.escalationState.LastTrigger,
		"auto_escalate_critic":    r.cfg.Learning.AutoEscalateCritic,
	}
	timeStart, _ := st.metrics["time_start"].(float64)
	st.metrics["elapsed_s"] = round(float64(time.Now().UnixNano())/1e9-timeStart, 3)

	return session.WriteMetrics(st.paths.MetricsPath, st.metrics)
}

func writePosttaskEvent(st *runState, step int, tool string, toolInput map[string]any, output string) {
	payload := map[string]any{
		"step":       step,
		"tool":       tool,
		"tool_input": toolInput,
		"ok":         true,
		"error":      nil,
		"output":     output,
	}
	if err := session.WriteEvent(st.paths.EventsPath, payload); err != nil {
		logging.Get(logging.CategoryEval).Warn("posttask event write failed: %v", err)
	}
}
