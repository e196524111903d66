package delivery

import (
	"os"
	"path/filepath"
	"strings"

	merrors "github.com/p-blackswan/mindkeeper/internal/errors"
)

// appendToFile appends text to rel inside dir, creating parent directories.
// rel must stay inside dir.
func appendToFile(dir, rel, text string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", merrors.Validation("deliver", rel, "file destination must be a relative path")
	}
	target := filepath.Join(dir, rel)
	r, err := filepath.Rel(dir, target)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", merrors.Validation("deliver", rel, "file destination escapes the mind directory")
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return "", err
	}
	return target, f.Close()
}
