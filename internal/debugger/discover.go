package debugger

import (
	"os"
	"os/exec"
	"path/filepath"
)

// EnvBinaryPath is the environment variable selecting the debugger binary
// when no explicit path is configured.
const EnvBinaryPath = "CRASHDBG_CDB_PATH"

// wellKnownInstallDirs are checked after PATH. These cover the Windows
// Debugging Tools install layouts; on other platforms they simply miss.
var wellKnownInstallDirs = []string{
	`C:\Program Files (x86)\Windows Kits\10\Debuggers\x64`,
	`C:\Program Files (x86)\Windows Kits\10\Debuggers\x86`,
	`C:\Program Files\Windows Kits\10\Debuggers\x64`,
	`C:\Program Files\Debugging Tools for Windows (x64)`,
}

const binaryName = "cdb"

// FindBinary resolves the debugger binary. Resolution order: the explicit
// path, the CRASHDBG_CDB_PATH environment variable, PATH lookup, then
// well-known install locations. Returns the empty string when nothing is
// found.
func FindBinary(explicitPath string) string {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err == nil {
			return explicitPath
		}
		return ""
	}

	if envPath := os.Getenv(EnvBinaryPath); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	if path, err := exec.LookPath(binaryName); err == nil {
		return path
	}
	if path, err := exec.LookPath(binaryName + ".exe"); err == nil {
		return path
	}

	for _, dir := range wellKnownInstallDirs {
		candidate := filepath.Join(dir, binaryName+".exe")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}

	return ""
}

// dumpExtensions are target suffixes that select crash-dump mode (-z).
var dumpExtensions = map[string]bool{
	".dmp":  true,
	".mdmp": true,
	".hdmp": true,
	".kdmp": true,
	".dump": true,
}

// IsDumpTarget reports whether the target path looks like a crash dump.
func IsDumpTarget(target string) bool {
	return dumpExtensions[filepath.Ext(target)]
}
