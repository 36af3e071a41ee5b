package memory

import (
	"strings"
	"testing"
)

func TestFingerprintIgnoresVolatileLiterals(t *testing.T) {
	a := FingerprintOf(
		"UNIQUE constraint failed: ledger.event_id='evt-1001' at /tmp/run-123/task.db line 77",
		"", "INSERT INTO ledger VALUES ('evt-1001')")
	b := FingerprintOf(
		"UNIQUE constraint failed: ledger.event_id='evt-9009' at /tmp/run-999/task.db line 2",
		"", "INSERT INTO ledger VALUES ('evt-9009')")
	if a != b {
		t.Fatalf("fingerprints differ: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "ef_") || len(a) != len("ef_")+20 {
		t.Fatalf("fingerprint shape = %q", a)
	}
}

func TestFingerprintSeparatesDistinctFailures(t *testing.T) {
	constraint := FingerprintOf("UNIQUE constraint failed: sales.id", "", "run_sqlite")
	timeout := FingerprintOf("Request timed out after 30 seconds talking to upstream", "", "run_sqlite")
	if constraint == timeout {
		t.Fatalf("distinct failures share fingerprint %s", constraint)
	}
}

func TestFingerprintCollapsesUUIDsAndHex(t *testing.T) {
	a := FingerprintOf("worker 3f2504e0-4f89-41d3-9a0c-0305e82c3301 crashed at 0xdeadbeef", "", "")
	b := FingerprintOf("worker 9b2d7a10-1c2e-42aa-8f01-aa02b94c1122 crashed at 0xcafe", "", "")
	if a != b {
		t.Fatalf("uuid/hex noise changed fingerprint: %s vs %s", a, b)
	}
}

func TestNormalizeComponentDropsStopwordsAndDuplicates(t *testing.T) {
	got := NormalizeComponent("the the error error in in the file")
	if got != "error file" {
		t.Fatalf("NormalizeComponent = %q, want %q", got, "error file")
	}
}

func TestNormalizeComponentCoercesStructures(t *testing.T) {
	got := NormalizeComponent(map[string]any{"tool": "run_sqlite", "step": 3})
	if got == "" {
		t.Fatalf("NormalizeComponent(map) = empty")
	}
	// Maps must normalize identically regardless of insertion order.
	other := NormalizeComponent(map[string]any{"step": 3, "tool": "run_sqlite"})
	if got != other {
		t.Fatalf("map normalization unstable: %q vs %q", got, other)
	}
}

func hasAll(tags []string, want ...string) []string {
	set := map[string]bool{}
	for _, tag := range tags {
		set[tag] = true
	}
	var missing []string
	for _, w := range want {
		if !set[w] {
			missing = append(missing, w)
		}
	}
	return missing
}

func TestTagsOfCLISyntaxError(t *testing.T) {
	tags := TagsOf(
		"gridtool: unknown command 'talley'. Usage: gridtool [options]. Exit code 127",
		"", "run_gridtool --input fixture.csv", "")
	if missing := hasAll(tags, "surface_cli", "syntax_error", "command_not_found", "nonzero_exit"); missing != nil {
		t.Fatalf("tags = %v, missing %v", tags, missing)
	}
}

func TestTagsOfHTTPRateLimit(t *testing.T) {
	tags := TagsOf(
		"HTTP 429 Too Many Requests from api endpoint. Retry after 20 seconds; request timed out",
		"connection reset by peer", "", "")
	if missing := hasAll(tags, "surface_http", "rate_limited", "timeout", "network", "retryable", "client_error"); missing != nil {
		t.Fatalf("tags = %v, missing %v", tags, missing)
	}
}

func TestTagsOfUncategorized(t *testing.T) {
	tags := TagsOf("zzz", "", "", "")
	if len(tags) != 1 || tags[0] != "uncategorized" {
		t.Fatalf("tags = %v, want [uncategorized]", tags)
	}
}

func TestTagsOfSorted(t *testing.T) {
	tags := TagsOf("permission denied; connection refused; rate limit hit", "", "", "")
	for i := 1; i < len(tags); i++ {
		if tags[i-1] >= tags[i] {
			t.Fatalf("tags not sorted: %v", tags)
		}
	}
}
