package server

import (
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	gojson "github.com/goccy/go-json"

	"github.com/loykin/sessionr/internal/node"
)

func sanitizeBase(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

// isSafeName accepts node names made of [A-Za-z0-9._@-] that are also valid
// descriptor names.
func isSafeName(s string) bool {
	if node.ValidateName(s) != nil || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-', r == '@':
		default:
			return false
		}
	}
	return true
}

// isCleanAbsPath reports whether p is absolute and already in its cleaned
// form, so no ".." segment can move it elsewhere.
func isCleanAbsPath(p string) bool {
	if !filepath.IsAbs(p) {
		return false
	}
	return filepath.Clean(p) == strings.TrimSuffix(p, string(filepath.Separator)) || p == string(filepath.Separator)
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = gojson.NewEncoder(c.Writer).Encode(v)
}
