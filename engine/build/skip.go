package build

import (
	"strconv"
	"strings"
)

// ShouldSkip evaluates a step's skip_if predicate against the request.
// Supported keys are is_update=<bool> and target_os=<name>; several clauses
// may be joined with "&&" and all must hold. An empty or unparseable
// predicate never skips.
func ShouldSkip(predicate string, req *Request) bool {
	predicate = strings.TrimSpace(predicate)
	if predicate == "" {
		return false
	}
	for _, clause := range strings.Split(predicate, "&&") {
		key, value, found := strings.Cut(strings.TrimSpace(clause), "=")
		if !found {
			return false
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "is_update":
			want, err := strconv.ParseBool(value)
			if err != nil || req.IsUpdate != want {
				return false
			}
		case "target_os":
			if !strings.EqualFold(req.Platform, value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}
