// Package promotion folds run outcomes into lesson records and drives the
// candidate -> promoted | suppressed status machine.
package promotion

import (
	"fmt"
	"time"

	"cortex/internal/lesson"
	"cortex/internal/logging"
)

// Outcome is the signal bundle for one retrieval -> run pair.
type Outcome struct {
	LessonID           string
	ErrorReduction     float64
	StepEfficiencyGain float64
	RefereeScoreGain   *float64
	MajorRegression    bool
	ContradictionLost  bool
}

// Config tunes the status machine. The promotion threshold is empirical;
// operators override it per benchmark series.
type Config struct {
	// MinMeanUtility is the mean utility over the last PromotionWindow
	// entries required to promote a candidate.
	MinMeanUtility float64
	// PromotionWindow is how many recent utility entries feed the mean.
	PromotionWindow int
	// MinHistory is the minimum history length before promotion.
	MinHistory int
	// SuppressionRetrievals is the retrieval count after which a
	// non-positive utility mean suppresses the lesson.
	SuppressionRetrievals int
	// HistoryCap bounds utility_history.
	HistoryCap int
}

// DefaultConfig returns the tuned thresholds.
func DefaultConfig() Config {
	return Config{
		MinMeanUtility:        0.20,
		PromotionWindow:       10,
		MinHistory:            3,
		SuppressionRetrievals: 3,
		HistoryCap:            30,
	}
}

// Stats summarizes one ApplyOutcomes pass.
type Stats struct {
	Updated    int
	Promoted   int
	Suppressed int
}

// ComputeUtility blends outcome signals into one utility value. Without a
// referee score the error and efficiency components carry all the weight.
func ComputeUtility(o Outcome) float64 {
	if o.RefereeScoreGain == nil {
		return 0.65*o.ErrorReduction + 0.35*o.StepEfficiencyGain
	}
	return 0.50*o.ErrorReduction + 0.30*o.StepEfficiencyGain + 0.20*(*o.RefereeScoreGain)
}

func meanTail(history []float64, window int) float64 {
	if len(history) == 0 {
		return 0
	}
	if window > len(history) {
		window = len(history)
	}
	tail := history[len(history)-window:]
	sum := 0.0
	for _, v := range tail {
		sum += v
	}
	return sum / float64(len(tail))
}

// applyOne folds a single outcome into a record, returning the updated copy.
func applyOne(rec lesson.Record, o Outcome, cfg Config) lesson.Record {
	u := ComputeUtility(o)

	history := append(append([]float64{}, rec.UtilityHistory...), u)
	if len(history) > cfg.HistoryCap {
		history = history[len(history)-cfg.HistoryCap:]
	}
	rec.UtilityHistory = history

	if u > 0 {
		rec.HelpfulCount++
	} else {
		rec.HarmfulCount++
	}
	if o.MajorRegression {
		rec.MajorRegressions++
	}
	if o.ContradictionLost {
		rec.ContradictionLosses++
	}
	rec.RetrievalCount++

	// Exponential smoothing keeps reliability stable under noisy outcomes.
	uMapped := clamp((u+1)/2, 0, 1)
	rec.Reliability = clamp(0.7*rec.Reliability+0.3*uMapped, 0, 1)

	rec.Status = nextStatus(rec, cfg)
	rec.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	return rec
}

func nextStatus(rec lesson.Record, cfg Config) string {
	if rec.Status == lesson.StatusArchived {
		return rec.Status
	}
	if rec.ContradictionLosses > 0 {
		return lesson.StatusSuppressed
	}
	if rec.RetrievalCount >= cfg.SuppressionRetrievals &&
		meanTail(rec.UtilityHistory, cfg.PromotionWindow) <= 0 {
		return lesson.StatusSuppressed
	}
	if rec.Status == lesson.StatusCandidate &&
		len(rec.UtilityHistory) >= cfg.MinHistory &&
		meanTail(rec.UtilityHistory, cfg.PromotionWindow) >= cfg.MinMeanUtility &&
		rec.MajorRegressions == 0 {
		return lesson.StatusPromoted
	}
	return rec.Status
}

// Controller applies outcomes through a lesson store.
type Controller struct {
	store  *lesson.Store
	config Config
}

// NewController wraps a store with the given config.
func NewController(store *lesson.Store, config Config) *Controller {
	if config.HistoryCap <= 0 {
		config = DefaultConfig()
	}
	return &Controller{store: store, config: config}
}

// ApplyOutcomes folds every outcome into its lesson and writes the full
// updated set back through the store.
func (c *Controller) ApplyOutcomes(outcomes []Outcome) (Stats, error) {
	if c == nil || c.store == nil {
		return Stats{}, fmt.Errorf("promotion controller not initialized")
	}
	if len(outcomes) == 0 {
		return Stats{}, nil
	}

	records := c.store.Load()
	byID := map[string]int{}
	for i, rec := range records {
		byID[rec.LessonID] = i
	}

	stats := Stats{}
	for _, outcome := range outcomes {
		idx, ok := byID[outcome.LessonID]
		if !ok {
			continue
		}
		before := records[idx].Status
		records[idx] = applyOne(records[idx], outcome, c.config)
		after := records[idx].Status
		stats.Updated++
		if before != after {
			switch after {
			case lesson.StatusPromoted:
				stats.Promoted++
			case lesson.StatusSuppressed:
				stats.Suppressed++
			}
			logging.Get(logging.CategoryPromotion).Info("lesson %s: %s -> %s", outcome.LessonID, before, after)
		}
	}
	if stats.Updated == 0 {
		return stats, nil
	}
	if err := c.store.Write(records); err != nil {
		return stats, err
	}
	return stats, nil
}

func clamp(v, low, high float64) float64 {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}
