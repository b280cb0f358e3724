package debugger

import (
	"regexp"
	"strings"
)

// promptPattern matches the debugger's ready-for-next-command marker, e.g.
// "0:000>" or "3:017>". The prompt must open the trimmed line.
var promptPattern = regexp.MustCompile(`^\d+:\d+>`)

// Keyword sets for advisory output classification. Matching is
// case-insensitive and only affects log detail, never completion.
var (
	errorKeywords   = []string{"error", "unable to", "invalid", "failed"}
	warningKeywords = []string{"warning", "warn", "caution"}
	successKeywords = []string{"success", "ok", "complete"}
)

// symbolActivityKeywords mark symbol-server traffic during startup; seeing one
// justifies extending the start deadline.
var symbolActivityKeywords = []string{"symsrv", "downloading", "copying", "deferred"}

// IsCommandComplete reports whether the line is a debugger prompt, which marks
// the end of the previous command's output.
func IsCommandComplete(line string) bool {
	return promptPattern.MatchString(strings.TrimSpace(line))
}

// Classification is the advisory breakdown of an output chunk.
type Classification struct {
	Empty      bool
	HasError   bool
	HasWarning bool
	HasSuccess bool
	HasPrompt  bool
}

// Classify inspects a chunk of debugger output for logging purposes.
func Classify(chunk string) Classification {
	trimmed := strings.TrimSpace(chunk)
	if trimmed == "" {
		return Classification{Empty: true}
	}

	lower := strings.ToLower(trimmed)
	c := Classification{
		HasError:   containsAny(lower, errorKeywords),
		HasWarning: containsAny(lower, warningKeywords),
		HasSuccess: containsAny(lower, successKeywords),
	}
	for _, line := range strings.Split(trimmed, "\n") {
		if IsCommandComplete(line) {
			c.HasPrompt = true
			break
		}
	}
	return c
}

// IsSymbolActivity reports whether the line looks like symbol-server progress.
func IsSymbolActivity(line string) bool {
	lower := strings.ToLower(line)
	return containsAny(lower, symbolActivityKeywords)
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// FormatForLogging sanitizes a chunk for log output: NUL bytes are replaced
// with a visible escape and the chunk is truncated beyond maxLen.
func FormatForLogging(chunk string, maxLen int) string {
	s := strings.ReplaceAll(chunk, "\x00", `\0`)
	if maxLen > 0 && len(s) > maxLen {
		return s[:maxLen] + "...[truncated]"
	}
	return s
}
