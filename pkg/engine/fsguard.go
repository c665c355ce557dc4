package engine

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
)

// pathWithinRoots reports whether path resolves inside one of roots,
// enforcing spec invariant 5: "no filesystem write occurs outside
// writable_roots". A relative path is resolved against cwd, not the
// process's own working directory, since tool calls run against a
// session's turn context rather than this process's launch directory. An
// empty roots set denies everything except when the caller has already
// established ReadOnly doesn't apply (callers check SandboxMode
// separately).
func pathWithinRoots(cwd, path string, roots []string) bool {
	if len(roots) == 0 {
		return false
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(cwd, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, root := range roots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(rootAbs, abs)
		if err != nil {
			continue
		}
		if rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)) {
			return true
		}
	}
	return false
}

// readImageFile reads path and returns it as a data URI, the shape a model
// message's image content part expects.
func readImageFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	mime := "image/png"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		mime = "image/jpeg"
	case ".gif":
		mime = "image/gif"
	case ".webp":
		mime = "image/webp"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
