package assemble

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

const (
	// keptPunct survives sanitizing as-is. '_' is absent on purpose: it is
	// the separator and is re-emitted once per run.
	keptPunct  = "-.,()"
	separators = "._-"
)

// SanitizeName turns a free-form title into a file name fragment that is safe
// inside a zip and on any filesystem. Runs of spaces and disallowed runes
// collapse to one '_', control characters vanish, edge separators are
// trimmed and the result is cut to maxLen runes.
func SanitizeName(s string, maxLen int) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range s {
		switch {
		case unicode.IsControl(r):
		case unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(keptPunct, r):
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		default:
			pendingSep = true
		}
	}

	name := strings.Trim(b.String(), separators)
	if maxLen > 0 {
		if runes := []rune(name); len(runes) > maxLen {
			name = strings.TrimRight(string(runes[:maxLen]), separators)
		}
	}
	if isReservedName(name) {
		name = "_" + name
	}
	return name
}

// isReservedName reports device names Windows refuses as file names, with or
// without an extension.
func isReservedName(name string) bool {
	base, _, _ := strings.Cut(strings.ToUpper(name), ".")
	switch base {
	case "CON", "PRN", "AUX", "NUL":
		return true
	}
	if len(base) == 4 && (strings.HasPrefix(base, "COM") || strings.HasPrefix(base, "LPT")) {
		return base[3] >= '1' && base[3] <= '9'
	}
	return false
}

// ValidateOutputDir checks that dir is a clean path to an existing directory
// the process can create files in.
func ValidateOutputDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("output dir is required")
	}
	if filepath.Clean(dir) != dir {
		return fmt.Errorf("output dir %q must be a clean path", dir)
	}

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("output dir %s does not exist", dir)
		}
		return fmt.Errorf("invalid output dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("output dir %s is not a directory", dir)
	}

	probe, err := os.CreateTemp(dir, ".write-check-*")
	if err != nil {
		return fmt.Errorf("output dir %s is not writable: %w", dir, err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}
