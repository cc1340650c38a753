package tmux

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	sessionNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	envKeyRe      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// shellMetaChars are rejected in any value handed to tmux. Arguments are
// passed as discrete argv entries so the OS never runs a shell over them,
// but tmux interprets some of these itself (";" splits tmux commands).
const shellMetaChars = ";&|`$(){}<>\n\r"

// ValidateSessionName rejects names outside [A-Za-z0-9_-].
func ValidateSessionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidSessionName)
	}
	if !sessionNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionName, name)
	}
	return nil
}

// validateWorkingDir requires an existing absolute directory.
func validateWorkingDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidWorkingDir)
	}
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("%w: %q is not absolute", ErrInvalidWorkingDir, dir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidWorkingDir, dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %q is not a directory", ErrInvalidWorkingDir, dir)
	}
	return nil
}

// validateEnv checks keys against the identifier pattern and values against
// the metacharacter set.
func validateEnv(env map[string]string) error {
	for key, value := range env {
		if !envKeyRe.MatchString(key) {
			return fmt.Errorf("%w: key %q", ErrInvalidEnv, key)
		}
		if strings.ContainsAny(value, shellMetaChars) {
			return fmt.Errorf("%w: value of %q contains shell metacharacters", ErrUnsafeInput, key)
		}
	}
	return nil
}
