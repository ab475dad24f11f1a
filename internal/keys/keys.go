// Package keys maps runs and logical artifact paths onto object-store keys.
//
// Layout under a configurable base:
//
//	<base><escaped job>/<number>/artifacts/<relative path>
//	<base><escaped job>/<number>/stashes/<name>.tgz
//
// The job name is path-escaped into a single segment, so the prefix of one run
// is never a prefix of another run's prefix.
package keys

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	Delimiter = "/"

	artifactsDir = "artifacts/"
	stashesDir   = "stashes/"
	stashSuffix  = ".tgz"
)

// ErrInvalidPath matches every *InvalidPathError.
var ErrInvalidPath = errors.New("invalid path")

type InvalidPathError struct {
	Path   string
	Reason string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid path %q: %s", e.Path, e.Reason)
}

func (e *InvalidPathError) Is(target error) bool {
	return target == ErrInvalidPath
}

func invalid(path, reason string) error {
	return &InvalidPathError{Path: path, Reason: reason}
}

// Run identifies one build of one job.
type Run struct {
	Job    string
	Number int
}

func (r Run) String() string {
	return r.Job + "#" + strconv.Itoa(r.Number)
}

// ParseRun parses "job#number" or "job/number" where the number is the last segment.
func ParseRun(raw string) (Run, error) {
	raw = strings.TrimSpace(raw)
	idx := strings.LastIndexAny(raw, "#/")
	if idx <= 0 || idx == len(raw)-1 {
		return Run{}, invalid(raw, "want job#number")
	}
	n, err := strconv.Atoi(raw[idx+1:])
	if err != nil || n < 0 {
		return Run{}, invalid(raw, "build number must be a non-negative integer")
	}
	return Run{Job: raw[:idx], Number: n}, nil
}

// Prefix is the key namespace of one run. It always ends with Delimiter.
type Prefix string

func (p Prefix) String() string { return string(p) }

// Scheme derives prefixes and keys below a fixed base prefix.
type Scheme struct {
	base string
}

func NewScheme(base string) Scheme {
	base = strings.ReplaceAll(strings.TrimSpace(base), `\`, Delimiter)
	base = strings.TrimLeft(base, Delimiter)
	if base != "" && !strings.HasSuffix(base, Delimiter) {
		base += Delimiter
	}
	return Scheme{base: base}
}

func (s Scheme) Base() string { return s.base }

// PrefixFor is pure and deterministic; distinct runs never share a prefix.
// Job names are used verbatim, so names that would have to be altered to
// form a safe key segment are rejected rather than normalised.
func (s Scheme) PrefixFor(run Run) (Prefix, error) {
	job := run.Job
	switch {
	case strings.TrimSpace(job) == "":
		return "", invalid(run.String(), "job name is empty")
	case strings.TrimSpace(job) != job:
		return "", invalid(run.String(), "job name has leading or trailing whitespace")
	case job == "." || job == "..":
		return "", invalid(run.String(), "job name is a relative directory")
	case strings.ContainsRune(job, 0):
		return "", invalid(run.String(), "job name contains NUL")
	}
	if run.Number < 0 {
		return "", invalid(run.String(), "build number is negative")
	}
	return Prefix(s.base + url.PathEscape(job) + Delimiter + strconv.Itoa(run.Number) + Delimiter), nil
}

// ArtifactsRoot is the key prefix holding all archived files of a run.
func ArtifactsRoot(prefix Prefix) string {
	return string(prefix) + artifactsDir
}

// KeyFor maps a relative artifact path to its key. Backslashes are treated as
// separators, so RelativePathFor returns the "/"-separated form of the input;
// the two are exact inverses only for "/"-separated paths. Anything that could
// resolve outside the prefix is rejected.
func KeyFor(prefix Prefix, relativePath string) (string, error) {
	clean, err := normalize(relativePath)
	if err != nil {
		return "", err
	}
	return ArtifactsRoot(prefix) + clean, nil
}

// RelativePathFor is the left inverse of KeyFor.
func RelativePathFor(prefix Prefix, key string) (string, error) {
	root := ArtifactsRoot(prefix)
	if !strings.HasPrefix(key, root) {
		return "", invalid(key, "key is outside "+root)
	}
	rel := strings.TrimPrefix(key, root)
	if _, err := normalize(rel); err != nil {
		return "", err
	}
	return rel, nil
}

// CleanRelative validates a relative artifact path and returns it with
// delimiter-normalised separators.
func CleanRelative(relativePath string) (string, error) {
	return normalize(relativePath)
}

// CleanSubPath validates a browse location. "" and "/" denote the root.
// The result carries no leading or trailing delimiter.
func CleanSubPath(subPath string) (string, error) {
	p := strings.ReplaceAll(strings.TrimSpace(subPath), `\`, Delimiter)
	p = strings.Trim(p, Delimiter)
	if p == "" {
		return "", nil
	}
	return normalize(p)
}

// StashKey returns the key of a named stash archive.
func StashKey(prefix Prefix, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", invalid(name, "stash name must be a single non-empty segment")
	}
	return string(prefix) + stashesDir + url.PathEscape(name) + stashSuffix, nil
}

// Rebase moves a key from one run prefix to another, keeping its suffix.
func Rebase(key string, from, to Prefix) (string, error) {
	if !strings.HasPrefix(key, string(from)) {
		return "", invalid(key, "key is outside "+string(from))
	}
	return string(to) + strings.TrimPrefix(key, string(from)), nil
}

func normalize(p string) (string, error) {
	if p == "" {
		return "", invalid(p, "empty path")
	}
	if strings.ContainsRune(p, 0) {
		return "", invalid(p, "contains NUL")
	}
	n := strings.ReplaceAll(p, `\`, Delimiter)
	if strings.HasPrefix(n, Delimiter) {
		return "", invalid(p, "absolute path")
	}
	if len(n) >= 2 && n[1] == ':' {
		return "", invalid(p, "drive-qualified path")
	}
	for _, seg := range strings.Split(n, Delimiter) {
		switch seg {
		case "":
			return "", invalid(p, "empty segment")
		case ".":
			return "", invalid(p, "current-directory segment")
		case "..":
			return "", invalid(p, "parent-directory segment")
		}
	}
	return n, nil
}
