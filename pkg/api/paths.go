package api

import (
	"path"
	"strings"

	"github.com/shipyard-neo/bay/pkg/bayerr"
)

// ValidatePath normalizes a client-supplied workspace path and rejects
// anything that could escape the workspace root. The returned path is
// relative, slash-separated, with "." and ".." collapsed.
func ValidatePath(p string) (string, error) {
	if p == "" {
		return "", bayerr.InvalidPath("empty")
	}
	if strings.ContainsRune(p, 0) {
		return "", bayerr.InvalidPath("null_byte")
	}
	if strings.HasPrefix(p, "/") {
		return "", bayerr.InvalidPath("absolute")
	}

	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", bayerr.InvalidPath("path_traversal")
	}
	if cleaned == "." {
		return "", bayerr.InvalidPath("empty")
	}
	return cleaned, nil
}
