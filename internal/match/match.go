// Package match implements the glob include/exclude decision used to select
// which files a target tracks, plus a directory walker built on it.
//
// Pattern syntax is path.Match per path segment, extended with "**" matching
// any number of segments (including none). A pattern without a slash matches
// against the file's base name at any depth, mirroring how a plain "*.cs"
// is expected to pick up plugins in nested directories. The same rule holds
// for exclude patterns: a bare "Broken*" excludes a matching file anywhere
// in the tree, not just at the top level.
package match

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Matches reports whether the slash-separated relative path rel matches at
// least one include pattern and none of the exclude patterns. It is pure and
// never touches the filesystem. Exclude always wins over include.
func Matches(rel string, includes, excludes []string) bool {
	included := false
	for _, p := range includes {
		if matchPattern(p, rel) {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, p := range excludes {
		if matchPattern(p, rel) {
			return false
		}
	}
	return true
}

// matchPattern matches a single glob pattern against a relative path.
func matchPattern(pattern, rel string) bool {
	if !strings.Contains(pattern, "/") {
		ok, err := path.Match(pattern, path.Base(rel))
		return err == nil && ok
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(rel, "/"))
}

// matchSegments matches pattern segments against path segments, with "**"
// consuming zero or more segments.
func matchSegments(pat, name []string) bool {
	if len(pat) == 0 {
		return len(name) == 0
	}
	if pat[0] == "**" {
		// Zero segments, or consume one and retry.
		if matchSegments(pat[1:], name) {
			return true
		}
		if len(name) == 0 {
			return false
		}
		return matchSegments(pat, name[1:])
	}
	if len(name) == 0 {
		return false
	}
	ok, err := path.Match(pat[0], name[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pat[1:], name[1:])
}

// Collect walks dir and returns a map of slash-separated relative path to
// absolute path for every regular file matching the include/exclude sets.
// Hidden directories (names starting with ".") are skipped entirely, so a
// nested ".git" never contributes files. A missing dir yields an empty map.
func Collect(dir string, includes, excludes []string) (map[string]string, error) {
	files := make(map[string]string)

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return files, nil
	}

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if Matches(rel, includes, excludes) {
			files[rel] = p
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}
