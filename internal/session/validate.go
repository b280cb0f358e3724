package session

import (
	"os"
	"strings"

	apperrors "github.com/crashdbg/crashdbg/internal/common/errors"
	"github.com/crashdbg/crashdbg/internal/debugger"
)

// maxCommandLength bounds a single command line; cdb itself truncates around
// 4k and anything near that is almost certainly a client bug.
const maxCommandLength = 4096

// ValidateDumpPath checks that the dump file exists and looks like a dump.
func ValidateDumpPath(dumpPath string) error {
	if strings.TrimSpace(dumpPath) == "" {
		return apperrors.Validation("dump_path", "dump path is required")
	}
	info, err := os.Stat(dumpPath)
	if err != nil {
		return apperrors.Validation("dump_path", "dump file does not exist: "+dumpPath)
	}
	if info.IsDir() {
		return apperrors.Validation("dump_path", "dump path is a directory: "+dumpPath)
	}
	if !debugger.IsDumpTarget(dumpPath) {
		return apperrors.Validation("dump_path", "unrecognized dump file extension: "+dumpPath)
	}
	return nil
}

// ValidateSymbolsPath checks an optional symbols directory.
func ValidateSymbolsPath(symbolsPath string) error {
	if symbolsPath == "" {
		return nil
	}
	// Symbol search paths may be srv* cache specs; only plain paths are
	// checked for existence.
	if strings.Contains(symbolsPath, "*") || strings.Contains(symbolsPath, ";") {
		return nil
	}
	if _, err := os.Stat(symbolsPath); err != nil {
		return apperrors.Validation("symbols_path", "symbols path does not exist: "+symbolsPath)
	}
	return nil
}

// ValidateCommand checks a command line before it enters the queue.
func ValidateCommand(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return apperrors.Validation("command", "command is required")
	}
	if strings.ContainsAny(text, "\r\n") {
		return apperrors.Validation("command", "command must be a single line")
	}
	if len(text) > maxCommandLength {
		return apperrors.Validation("command", "command exceeds maximum length")
	}
	return nil
}
