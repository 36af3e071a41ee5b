package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"cortex/internal/config"
	"cortex/internal/domain/fluxtool"
	"cortex/internal/domain/gridtool"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return config.Default(t.TempDir())
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "hello", firstLine("hello\nworld", 80))
	assert.Equal(t, "hello", firstLine("hello", 80))
	assert.Equal(t, "abcdefg...", firstLine("abcdefghijklmnop", 10))
}

func TestMetricAccessors(t *testing.T) {
	metrics := map[string]any{
		"steps":       float64(7), // metrics re-read from disk decode as float64
		"tool_errors": 2,
		"eval_passed": true,
		"task_id":     "t1",
		"eval_reasons": []any{"missing table", "bad count"},
	}
	assert.Equal(t, 7, metricInt(metrics, "steps"))
	assert.Equal(t, 2, metricInt(metrics, "tool_errors"))
	assert.Equal(t, 0, metricInt(metrics, "absent"))
	assert.InDelta(t, 7.0, metricFloat(metrics, "steps"), 1e-9)
	assert.True(t, metricBool(metrics, "eval_passed"))
	assert.False(t, metricBool(metrics, "absent"))
	assert.Equal(t, "t1", metricString(metrics, "task_id"))
	assert.Equal(t, []string{"missing table", "bad count"}, metricStrings(metrics, "eval_reasons"))
}

func TestBuildRegistryHasAllDomains(t *testing.T) {
	registry := buildRegistry(testConfig(t), errorModes{})
	for _, name := range []string{"sqlite", "gridtool", "fluxtool", "shell", "artic"} {
		adapter, err := registry.Get(name)
		assert.NoError(t, err, name)
		assert.Equal(t, name, adapter.Name())
	}
}

func TestEventFromRow(t *testing.T) {
	row := map[string]any{
		"ts":          1.5,
		"channel":     "hard_failure",
		"error":       "no such table: sales",
		"state":       map[string]any{"tables": []any{}},
		"action":      map[string]any{"sql": "SELECT 1"},
		"tags":        []any{"Schema", "schema"},
		"fingerprint": "fp-1",
		"metadata":    map[string]any{"step": float64(3)},
	}
	event, err := eventFromRow(row)
	assert.NoError(t, err)
	assert.Equal(t, "hard_failure", event.Channel)
	assert.Equal(t, []string{"schema"}, event.Tags)
	assert.Equal(t, "fp-1", event.Fingerprint)

	_, err = eventFromRow(map[string]any{"channel": "bogus"})
	assert.Error(t, err)
}

func TestResolveErrorModes(t *testing.T) {
	grid, flux := resolveErrorModes(errorModes{})
	assert.Equal(t, gridtool.ErrorModeHelpful, grid)
	assert.Equal(t, fluxtool.ModeHelpful, flux)

	grid, flux = resolveErrorModes(errorModes{Cryptic: true})
	assert.Equal(t, gridtool.ErrorModeCryptic, grid)
	assert.Equal(t, fluxtool.ModeCryptic, flux)

	grid, flux = resolveErrorModes(errorModes{SemiHelpful: true})
	assert.Equal(t, gridtool.ErrorModeSemiHelpful, grid)
	assert.Equal(t, fluxtool.ModeSemiHelpful, flux)

	// Mixed varies per command, which only fluxtool implements.
	grid, flux = resolveErrorModes(errorModes{Mixed: true})
	assert.Equal(t, gridtool.ErrorModeHelpful, grid)
	assert.Equal(t, fluxtool.ModeMixed, flux)
}
