// Package featureflags evaluates runtime switches configured through FEATURE_FLAGS.
package featureflags

import (
	"hash/fnv"
	"strconv"
	"strings"
)

// Flags consulted by the services.
const (
	// InlineCompensation undoes completed fan-out steps immediately instead
	// of journaling the run for replay.
	InlineCompensation = "inline_compensation"
	// FeedCache serves feed queries through the Redis cache.
	FeedCache = "feed_cache"
)

// Manager evaluates feature flags defined in a simple key=value list.
// Example: "inline_compensation=off,feed_cache=on,new_sort=25%"
type Manager struct {
	flags map[string]string
}

// NewManager creates a feature-flag manager from a comma-separated config string.
func NewManager(raw string) *Manager {
	out := make(map[string]string)

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := normalize(parts[0])
		value := normalize(parts[1])
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}

	return &Manager{flags: out}
}

// Enabled returns whether a flag is enabled for a given subject (a handle).
// Supported values:
// - on/true/1
// - off/false/0
// - N% (deterministic rollout by subject, e.g. 25%)
func (m *Manager) Enabled(name string, subject string) bool {
	if m == nil {
		return false
	}

	value, ok := m.flags[normalize(name)]
	if !ok {
		return false
	}

	switch value {
	case "on", "true", "1":
		return true
	case "off", "false", "0":
		return false
	}

	if strings.HasSuffix(value, "%") {
		pct, err := strconv.Atoi(strings.TrimSuffix(value, "%"))
		if err != nil || pct <= 0 {
			return false
		}
		if pct >= 100 {
			return true
		}
		if subject == "" {
			return false
		}
		return rolloutBucket(name, subject) < pct
	}

	return false
}

// EnabledOr is Enabled with a default for flags that are not configured.
func (m *Manager) EnabledOr(name, subject string, fallback bool) bool {
	if m == nil {
		return fallback
	}
	if _, ok := m.flags[normalize(name)]; !ok {
		return fallback
	}
	return m.Enabled(name, subject)
}

// Raw returns a copy of configured flags.
func (m *Manager) Raw() map[string]string {
	out := make(map[string]string, len(m.flags))
	for k, v := range m.flags {
		out[k] = v
	}
	return out
}

// Snapshot returns evaluated flag status for one subject.
func (m *Manager) Snapshot(subject string) map[string]bool {
	out := make(map[string]bool, len(m.flags))
	for name := range m.flags {
		out[name] = m.Enabled(name, subject)
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func rolloutBucket(name, subject string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(normalize(name) + ":" + subject))
	return int(h.Sum32() % 100)
}
