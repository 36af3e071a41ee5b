package memory

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ErrorEvent is one structured failure signal bound for memory_events.jsonl.
// State and Action accept arbitrary JSON-encodable context.
type ErrorEvent struct {
	Channel     string
	Error       string
	State       any
	Action      any
	Tags        []string
	Fingerprint string
	Metadata    map[string]any
}

// NewErrorEvent validates the channel and fills tags and fingerprint when the
// caller omits them.
func NewErrorEvent(channel, errText string, state, action any, tags []string, fingerprint string, metadata map[string]any) (ErrorEvent, error) {
	channel = strings.TrimSpace(channel)
	if !validChannel(channel) {
		return ErrorEvent{}, fmt.Errorf("unknown error channel: %q. Allowed: %s", channel, strings.Join(ErrorChannels, ", "))
	}

	var normalizedTags []string
	if len(tags) > 0 {
		seen := map[string]bool{}
		for _, tag := range tags {
			t := strings.ToLower(strings.TrimSpace(tag))
			if t != "" {
				seen[t] = true
			}
		}
		normalizedTags = sortedKeys(seen)
	} else {
		normalizedTags = TagsOf(errText, state, action, "")
	}

	fp := strings.TrimSpace(fingerprint)
	if fp == "" {
		fp = FingerprintOf(errText, state, action)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	return ErrorEvent{
		Channel:     channel,
		Error:       errText,
		State:       state,
		Action:      action,
		Tags:        normalizedTags,
		Fingerprint: fp,
		Metadata:    metadata,
	}, nil
}

func validChannel(channel string) bool {
	for _, c := range ErrorChannels {
		if c == channel {
			return true
		}
	}
	return false
}

// ToMap returns the serialization shape used by metrics/event pipelines.
func (e ErrorEvent) ToMap() map[string]any {
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"channel":     e.Channel,
		"error":       e.Error,
		"state":       e.State,
		"action":      e.Action,
		"tags":        tags,
		"fingerprint": e.Fingerprint,
		"metadata":    e.Metadata,
	}
}

// ToJSON serializes the event as stable sorted-key JSON.
func (e ErrorEvent) ToJSON() (string, error) {
	// Marshalling through a map keeps keys sorted.
	data, err := json.Marshal(e.ToMap())
	if err != nil {
		return "", fmt.Errorf("marshal error event: %w", err)
	}
	return string(data), nil
}

// EventsToJSONL serializes a sequence of events into JSONL text.
func EventsToJSONL(events []ErrorEvent) (string, error) {
	lines := make([]string, 0, len(events))
	for _, e := range events {
		line, err := e.ToJSON()
		if err != nil {
			return "", err
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
