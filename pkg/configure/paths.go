// Package configure materialises extension templates and environment
// variables after install, and runs post-install validation checks.
package configure

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// protectedPaths are system locations a template may never target,
// regardless of the allow-list.
var protectedPaths = []string{
	"/etc/passwd",
	"/etc/shadow",
	"/etc/group",
	"/etc/sudoers",
	"/bin",
	"/sbin",
	"/usr/bin",
	"/usr/sbin",
	"/boot",
	"/sys",
	"/proc",
}

// TraversalError reports a rejected path containing parent components.
type TraversalError struct {
	Path string
}

func (e *TraversalError) Error() string {
	return fmt.Sprintf("path traversal rejected: %q", e.Path)
}

// ProtectedPathError reports a destination on the system deny-list or
// outside the allow-listed prefixes.
type ProtectedPathError struct {
	Path   string
	Reason string
}

func (e *ProtectedPathError) Error() string {
	return fmt.Sprintf("protected path rejected: %q (%s)", e.Path, e.Reason)
}

// PathResolver resolves template sources inside an extension payload
// and destinations inside the allow-listed home tree.
type PathResolver struct {
	home       string
	payloadDir string
	allowed    []string
	lookupEnv  func(string) string
}

// NewPathResolver creates a resolver for one extension payload.
// The allow-list defaults to the home directory itself.
func NewPathResolver(home, payloadDir string) *PathResolver {
	return &PathResolver{
		home:       filepath.Clean(home),
		payloadDir: filepath.Clean(payloadDir),
		allowed:    []string{filepath.Clean(home)},
		lookupEnv:  os.Getenv,
	}
}

// WithAllowedPrefixes replaces the destination allow-list.
func (r *PathResolver) WithAllowedPrefixes(prefixes ...string) *PathResolver {
	r.allowed = nil
	for _, p := range prefixes {
		r.allowed = append(r.allowed, filepath.Clean(r.expand(p)))
	}
	return r
}

// WithEnvLookup overrides environment variable lookup for expansion.
func (r *PathResolver) WithEnvLookup(lookup func(string) string) *PathResolver {
	r.lookupEnv = lookup
	return r
}

func (r *PathResolver) expand(path string) string {
	return os.Expand(path, func(key string) string {
		switch key {
		case "HOME":
			return r.home
		case "EXTENSION_DIR":
			return r.payloadDir
		default:
			return r.lookupEnv(key)
		}
	})
}

func containsParentComponent(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

// ResolveSource resolves a template source relative to the payload
// directory. Parent components are rejected both before and after
// environment expansion, and the result must stay inside the payload.
func (r *PathResolver) ResolveSource(source string) (string, error) {
	if containsParentComponent(source) {
		return "", &TraversalError{Path: source}
	}

	expanded := r.expand(source)
	if containsParentComponent(expanded) {
		return "", &TraversalError{Path: expanded}
	}

	resolved := expanded
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(r.payloadDir, resolved)
	}
	resolved = filepath.Clean(resolved)

	if resolved != r.payloadDir && !strings.HasPrefix(resolved, r.payloadDir+string(filepath.Separator)) {
		return "", &TraversalError{Path: source}
	}
	return resolved, nil
}

// ResolveDestination resolves a template destination with tilde
// expansion, enforcing the allow-list and the system deny-list.
func (r *PathResolver) ResolveDestination(dest string) (string, error) {
	if containsParentComponent(dest) {
		return "", &TraversalError{Path: dest}
	}

	expanded := r.expand(dest)
	if containsParentComponent(expanded) {
		return "", &TraversalError{Path: expanded}
	}

	if expanded == "~" {
		expanded = r.home
	} else if strings.HasPrefix(expanded, "~/") {
		expanded = filepath.Join(r.home, expanded[2:])
	}
	resolved := filepath.Clean(expanded)

	for _, p := range protectedPaths {
		if resolved == p || strings.HasPrefix(resolved, p+string(filepath.Separator)) {
			return "", &ProtectedPathError{Path: resolved, Reason: "system path"}
		}
	}

	allowed := false
	for _, prefix := range r.allowed {
		if resolved == prefix || strings.HasPrefix(resolved, prefix+string(filepath.Separator)) {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", &ProtectedPathError{Path: resolved, Reason: "outside allowed destinations"}
	}

	return resolved, nil
}
