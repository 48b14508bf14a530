package watcher

import (
	"path/filepath"
	"strings"
)

// Recognizer decides which files the monitor indexes.
type Recognizer struct {
	extensions   map[string]struct{}
	tempSuffixes []string
}

// NewRecognizer builds a recognizer. Extensions are matched case-insensitively
// and may be given with or without the leading dot.
func NewRecognizer(extensions, tempSuffixes []string) *Recognizer {
	r := &Recognizer{
		extensions:   make(map[string]struct{}, len(extensions)),
		tempSuffixes: make([]string, 0, len(tempSuffixes)),
	}
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		r.extensions[ext] = struct{}{}
	}
	for _, s := range tempSuffixes {
		if s = strings.ToLower(s); s != "" {
			r.tempSuffixes = append(r.tempSuffixes, s)
		}
	}
	return r
}

// Recognized reports whether the file at path should be indexed, judging
// by its name alone.
func (r *Recognizer) Recognized(path string) bool {
	name := filepath.Base(path)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return false
	}
	// Hidden files and editor lock files (~$doc.txt, .#doc.txt)
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~") {
		return false
	}

	lower := strings.ToLower(name)
	for _, suffix := range r.tempSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return false
		}
	}

	_, ok := r.extensions[filepath.Ext(lower)]
	return ok
}

// SkipDir reports whether a directory with this base name is never walked
// or watched.
func SkipDir(name string) bool {
	return len(name) > 1 && strings.HasPrefix(name, ".") && name != ".."
}

// inHiddenDir reports whether rel (relative to the root) passes through a
// skipped directory.
func inHiddenDir(rel string) bool {
	dir := filepath.Dir(rel)
	if dir == "." {
		return false
	}
	for _, part := range strings.Split(dir, string(filepath.Separator)) {
		if SkipDir(part) || part == ".." {
			return true
		}
	}
	return false
}
