package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/crashdbg/crashdbg/internal/common/errors"
)

func writeDump(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("MDMP"), 0o644))
	return path
}

func TestValidateDumpPath(t *testing.T) {
	valid := writeDump(t, "crash.dmp")
	assert.NoError(t, ValidateDumpPath(valid))

	assert.True(t, apperrors.IsValidation(ValidateDumpPath("")))
	assert.True(t, apperrors.IsValidation(ValidateDumpPath("   ")))
	assert.True(t, apperrors.IsValidation(ValidateDumpPath("/nonexistent/crash.dmp")))
	assert.True(t, apperrors.IsValidation(ValidateDumpPath(t.TempDir())))

	wrongExt := writeDump(t, "crash.txt")
	assert.True(t, apperrors.IsValidation(ValidateDumpPath(wrongExt)))
}

func TestValidateSymbolsPath(t *testing.T) {
	assert.NoError(t, ValidateSymbolsPath(""))
	assert.NoError(t, ValidateSymbolsPath(t.TempDir()))
	assert.True(t, apperrors.IsValidation(ValidateSymbolsPath("/nonexistent/symbols")))

	// Symbol server specs are passed through unchecked.
	assert.NoError(t, ValidateSymbolsPath(`srv*c:\symcache*https://msdl.microsoft.com/download/symbols`))
	assert.NoError(t, ValidateSymbolsPath(`c:\one;c:\two`))
}

func TestValidateCommand(t *testing.T) {
	assert.NoError(t, ValidateCommand("!analyze -v"))
	assert.NoError(t, ValidateCommand("k"))

	assert.True(t, apperrors.IsValidation(ValidateCommand("")))
	assert.True(t, apperrors.IsValidation(ValidateCommand("   ")))
	assert.True(t, apperrors.IsValidation(ValidateCommand("k\nq")))
	assert.True(t, apperrors.IsValidation(ValidateCommand("k\r")))
	assert.True(t, apperrors.IsValidation(ValidateCommand(strings.Repeat("x", maxCommandLength+1))))
}
