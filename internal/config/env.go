package config

import (
	"os"
	"path/filepath"
	"strings"
)

// LoadEnvFile folds a dotenv-style file into the process environment so a
// deployment can keep its TUNECACHE_* settings next to the binary instead of
// in a unit file. A missing file is not an error. Lines may be blank,
// "# comment", or "export KEY=value"; matching single or double quotes around
// the value are stripped. Variables already present in the real environment
// win over the file, so one-off overrides on the command line keep working.
func LoadEnvFile(path string) error {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		os.Setenv(key, stripQuotes(strings.TrimSpace(value)))
	}
	return nil
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if first == last && (first == '"' || first == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
