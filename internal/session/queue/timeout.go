package queue

import (
	"strings"
	"time"
)

// Timeouts holds the per-category execution deadlines.
type Timeouts struct {
	Short   time.Duration
	Default time.Duration
	Long    time.Duration
}

// longPrefixes mark commands known to run for minutes: crash analysis and
// symbol reloads dominated by symbol-server traffic.
var longPrefixes = []string{
	"!analyze",
	".reload",
	".symfix",
}

// shortCommands are quick informational commands: stack walks, register
// dumps, module and version listings.
var shortCommands = map[string]bool{
	"k": true, "kb": true, "kc": true, "kn": true, "kp": true, "kv": true,
	"r":         true,
	"lm":        true,
	"version":   true,
	"vertarget": true,
	"|":         true,
	"||":        true,
	"~":         true,
	".time":     true,
}

// EffectiveTimeout picks the execution deadline for a command based on its
// first token. Unknown commands get the default deadline.
func EffectiveTimeout(text string, t Timeouts) time.Duration {
	trimmed := strings.ToLower(strings.TrimSpace(text))
	if trimmed == "" {
		return t.Default
	}

	for _, prefix := range longPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return t.Long
		}
	}

	token := trimmed
	if idx := strings.IndexAny(trimmed, " \t"); idx >= 0 {
		token = trimmed[:idx]
	}
	// "ld <module>" loads symbols for a module and can hit the symbol server.
	if token == "ld" {
		return t.Long
	}
	if shortCommands[token] {
		return t.Short
	}
	return t.Default
}
