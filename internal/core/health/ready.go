package health

import (
	"encoding/json"
	"net/http"
	"sort"
)

// Check reports whether one dependency is ready, with optional detail.
type Check func() (ready bool, detail any)

// ReadinessReporter is implemented by group consumers that know their
// assigned partitions.
type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

func FromReporter(rr ReadinessReporter) Check {
	return func() (bool, any) {
		ready, parts := rr.Readiness()
		if !ready {
			return false, nil
		}
		sort.Slice(parts, func(i, j int) bool { return parts[i] < parts[j] })
		return true, parts
	}
}

type checkResult struct {
	Ready  bool `json:"ready"`
	Detail any  `json:"detail,omitempty"`
}

// Readiness answers 200 when every check passes and 503 otherwise.
func Readiness(checks map[string]Check) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		type resp struct {
			Status string                 `json:"status"`
			Checks map[string]checkResult `json:"checks,omitempty"`
		}
		out := resp{Status: "ready", Checks: make(map[string]checkResult, len(checks))}
		for name, c := range checks {
			ok, detail := c()
			out.Checks[name] = checkResult{Ready: ok, Detail: detail}
			if !ok {
				out.Status = "not_ready"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if out.Status != "ready" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
