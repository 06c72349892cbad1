package script

import (
	"log/slog"
	"regexp"
	"sync"
)

// filter is a compiled URL regex pattern. Per spec §4.4, a pattern that
// fails to compile is logged and permanently degraded to "never match"
// rather than treated as a plain substring or surfaced as an error.
type filter struct {
	raw   string
	regex *regexp.Regexp // nil means this filter never matches
}

var filterCache sync.Map // raw string -> *filter

func compileFilter(raw string) *filter {
	if raw == "" {
		return nil // no filter means match everything
	}
	if v, ok := filterCache.Load(raw); ok {
		return v.(*filter)
	}

	f := &filter{raw: raw}
	if re, err := regexp.Compile(raw); err == nil {
		f.regex = re
	} else {
		slog.Warn("script filter failed to compile, will never match", "pattern", raw, "error", err)
	}
	filterCache.Store(raw, f)
	return f
}

// Matches reports whether url satisfies the filter.
func (f *filter) Matches(url string) bool {
	if f == nil {
		return true
	}
	if f.regex == nil {
		return false
	}
	return f.regex.MatchString(url)
}
