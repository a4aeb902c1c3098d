package store

import (
	"fmt"
	"path/filepath"
	"strings"
)

// PathError is returned when an agent or session ID fails validation or
// would resolve outside the project root.
type PathError struct {
	ID     string
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("invalid id %q: %s", e.ID, e.Reason)
}

// NormalizeID strips outer slashes and collapses separator runs.
func NormalizeID(id string) string {
	var segs []string
	for _, s := range strings.Split(id, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return strings.Join(segs, "/")
}

// ValidateID normalizes id and rejects empty, `.` and `..` segments.
// Returns the normalized form.
func ValidateID(id string) (string, error) {
	norm := NormalizeID(id)
	if norm == "" {
		return "", &PathError{ID: id, Reason: "empty"}
	}
	for _, seg := range strings.Split(norm, "/") {
		if seg == "." || seg == ".." {
			return "", &PathError{ID: id, Reason: "path traversal segment"}
		}
	}
	return norm, nil
}

// resolve validates id and returns its absolute directory path, verifying
// the result is strictly inside root (or equals root itself).
func resolve(root, id string) (string, error) {
	norm, err := ValidateID(id)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(filepath.Join(root, filepath.FromSlash(norm)))
	if err != nil {
		return "", &PathError{ID: id, Reason: err.Error()}
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", &PathError{ID: id, Reason: "resolves outside project root"}
	}
	return abs, nil
}

// EncodeID replaces `/` with `--` for use in flat file names.
func EncodeID(id string) string {
	return strings.ReplaceAll(id, "/", "--")
}

// DecodeID reverses EncodeID.
func DecodeID(name string) string {
	return strings.ReplaceAll(name, "--", "/")
}
