package loader

import (
	"path"
	"regexp"
	"sort"
	"strings"
)

var (
	lifecycleFuncPattern = regexp.MustCompile(`(?m)function\s+(?:[A-Za-z_][A-Za-z0-9_]*[.:])?(initialize|enable|disable|teardown|on_load|on_enable|on_disable|on_unload)\s*\(`)
	primaryNames         = map[string]int{"init": 10, "plugin": 10, "main": 8}
)

type entryCandidate struct {
	module string
	path   string
	score  int
}

// moduleName converts an archive path into a require() name:
// "weather/main.lua" -> "weather.main", "weather/init.lua" -> "weather".
func moduleName(p string) string {
	p = strings.TrimSuffix(strings.TrimPrefix(path.Clean(p), "/"), ".lua")
	if dir, base := path.Split(p); base == "init" && dir != "" {
		p = strings.TrimSuffix(dir, "/")
	}
	return strings.ReplaceAll(p, "/", ".")
}

func isLibraryPath(p string) bool {
	lower := strings.ToLower(p)
	base := path.Base(lower)
	if strings.HasPrefix(lower, "lib/") || strings.Contains(lower, "/lib/") {
		return true
	}
	if strings.HasPrefix(lower, "test/") || strings.HasPrefix(lower, "tests/") || strings.HasPrefix(lower, "spec/") ||
		strings.Contains(lower, "/test/") || strings.Contains(lower, "/tests/") {
		return true
	}
	return strings.HasSuffix(base, "_test.lua") || strings.HasSuffix(base, "_spec.lua") || strings.HasPrefix(base, "test_")
}

// findEntryPoint ranks the Lua sources of an archive by how much they look
// like the plugin's primary module. Library and test files never qualify.
// A file qualifies through a primary name or by defining lifecycle functions.
func findEntryPoint(sources map[string]string) (string, bool) {
	var candidates []entryCandidate
	for p, src := range sources {
		if isLibraryPath(p) {
			continue
		}
		score := 0
		name := strings.TrimSuffix(path.Base(p), ".lua")
		if bonus, ok := primaryNames[strings.ToLower(name)]; ok {
			score += bonus
		}
		if strings.HasSuffix(strings.ToLower(name), "plugin") {
			score += 5
		}
		score += 2 * len(lifecycleFuncPattern.FindAllString(src, -1))
		if score == 0 {
			continue
		}
		if !strings.Contains(p, "/") {
			score += 3
		}
		candidates = append(candidates, entryCandidate{module: moduleName(p), path: p, score: score})
	}

	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if len(a.path) != len(b.path) {
			return len(a.path) < len(b.path)
		}
		return a.path < b.path
	})
	return candidates[0].module, true
}
