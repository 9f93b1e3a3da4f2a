package safety

import (
	"path/filepath"
	"strings"
)

// PathPolicy decides whether a filesystem path the assistant wants to touch
// is in bounds. Symlinks are resolved before the bounds check so a symlink
// planted inside an allowed directory cannot point somewhere disallowed.
type PathPolicy struct {
	AllowedPaths []string
	TempPaths    []string
	HomeDir      string
	BaseDir      string
}

// NewPathPolicy canonicalizes the configured allowed/temp paths once at
// construction so later checks are cheap string-prefix comparisons.
func NewPathPolicy(allowed, temp []string, homeDir, baseDir string) *PathPolicy {
	return &PathPolicy{
		AllowedPaths: canonicalizeAll(allowed),
		TempPaths:    canonicalizeAll(temp),
		HomeDir:      homeDir,
		BaseDir:      baseDir,
	}
}

func canonicalizeAll(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, canonicalize(p, ""))
	}
	return out
}

// IsPathAllowed resolves raw (expanding ~, canonicalizing symlinks where
// possible, else lexically normalizing against BaseDir) and reports whether
// the result is under a temp prefix or under/equal to an allowed path.
func (p *PathPolicy) IsPathAllowed(raw string) bool {
	resolved := p.resolve(raw)

	for _, t := range p.TempPaths {
		if isUnderOrEqual(resolved, t) {
			return true
		}
	}
	for _, a := range p.AllowedPaths {
		if isUnderOrEqual(resolved, a) {
			return true
		}
	}
	return false
}

func (p *PathPolicy) resolve(raw string) string {
	expanded := expandHome(raw, p.HomeDir)
	return canonicalize(expanded, p.BaseDir)
}

// canonicalize resolves symlinks via filepath.EvalSymlinks when possible;
// falling back to a purely lexical normalization (Clean, joined against
// base if relative) when the path does not exist yet or cannot be resolved.
// Preferring the resolved form when available is what defeats symlink
// escapes: a symlink under an allowed dir that points elsewhere resolves to
// its real, out-of-bounds target before the prefix check runs.
func canonicalize(raw, base string) string {
	p := raw
	if !filepath.IsAbs(p) && base != "" {
		p = filepath.Join(base, p)
	}
	p = filepath.Clean(p)

	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	return p
}

func expandHome(raw, home string) string {
	if home == "" {
		return raw
	}
	if raw == "~" {
		return home
	}
	if strings.HasPrefix(raw, "~/") {
		return filepath.Join(home, raw[2:])
	}
	return raw
}

func isUnderOrEqual(path, root string) bool {
	if root == "" {
		return false
	}
	if path == root {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
