package parser

import (
	"path/filepath"
	"strings"
)

var ignoredSystemDirs = map[string]bool{
	"users": true, "home": true, "var": true,
	"tmp": true, "private": true,
}

func normalizeName(s string) string {
	return strings.ReplaceAll(s, "-", "_")
}

// InferProject derives a project name from an event's project root
// or, failing that, its working directory. The base path component
// is used, skipping system directories that would make a
// meaningless name.
func InferProject(projectRoot, cwd string) string {
	if name := projectFromPath(projectRoot); name != "" {
		return name
	}
	return projectFromPath(cwd)
}

func projectFromPath(path string) string {
	if path == "" {
		return ""
	}
	cleaned := filepath.Clean(path)
	for cleaned != "" {
		name := filepath.Base(cleaned)
		if isInvalidPathBase(name) {
			return ""
		}
		if !ignoredSystemDirs[strings.ToLower(name)] {
			return normalizeName(name)
		}
		parent := filepath.Dir(cleaned)
		if parent == cleaned {
			return ""
		}
		cleaned = parent
	}
	return ""
}

func isInvalidPathBase(name string) bool {
	if name == "." || name == ".." || name == "/" ||
		name == string(filepath.Separator) {
		return true
	}
	return strings.ContainsAny(name, "/\\")
}
