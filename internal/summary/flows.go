package summary

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/quernlabs/quern/internal/model"
)

// HostStats aggregates one host's traffic.
type HostStats struct {
	Host             string  `json:"host"`
	Total            int     `json:"total"`
	Success          int     `json:"success"` // 2xx and 3xx
	Client4xx        int     `json:"4xx"`
	Server5xx        int     `json:"5xx"`
	ConnectionErrors int     `json:"connection_errors"`
	AvgLatencyMS     float64 `json:"avg_latency_ms"`
}

// FlowErrorPattern is one repeated failing request shape.
type FlowErrorPattern struct {
	Pattern   string    `json:"pattern"` // "POST /v1/login -> 401"
	Count     int       `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// SlowRequest is one of the slowest observed requests.
type SlowRequest struct {
	Method  string  `json:"method"`
	URL     string  `json:"url"`
	TotalMS float64 `json:"total_ms"`
	Status  int     `json:"status,omitempty"`
}

// FlowSummary is the digest of a window of flows.
type FlowSummary struct {
	Window      string             `json:"window"`
	Total       int                `json:"total"`
	ByHost      []HostStats        `json:"by_host"`
	TopErrors   []FlowErrorPattern `json:"top_errors,omitempty"`
	Slowest     []SlowRequest      `json:"slowest,omitempty"`
	Prose       string             `json:"summary"`
	Cursor      string             `json:"cursor"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// Flows digests the given flows (arrival order).
func Flows(flows []*model.FlowRecord, cursor string, window string) *FlowSummary {
	var s = &FlowSummary{
		Window:      window,
		Total:       len(flows),
		Cursor:      cursor,
		GeneratedAt: time.Now().UTC(),
	}

	var hosts = map[string]*HostStats{}
	var latencies = map[string][]float64{}
	var errPatterns = map[string]*FlowErrorPattern{}

	for _, f := range flows {
		var hostKey = f.Request.Host
		if f.Request.Port != 0 && f.Request.Port != 80 && f.Request.Port != 443 {
			hostKey = fmt.Sprintf("%s:%d", f.Request.Host, f.Request.Port)
		}
		var h, ok = hosts[hostKey]
		if !ok {
			h = &HostStats{Host: hostKey}
			hosts[hostKey] = h
		}
		h.Total++

		switch {
		case f.Error != "":
			h.ConnectionErrors++
			recordFlowError(errPatterns, fmt.Sprintf("%s %s failed: %s",
				f.Request.Method, f.Request.Path, Normalize(f.Error)), f.Timestamp)
		case f.Response != nil:
			var code = f.Response.StatusCode
			switch {
			case code >= 500:
				h.Server5xx++
			case code >= 400:
				h.Client4xx++
			default:
				h.Success++
			}
			if code >= 400 {
				recordFlowError(errPatterns, fmt.Sprintf("%s %s -> %d",
					f.Request.Method, f.Request.Path, code), f.Timestamp)
			}
		}

		if f.Timing.Total != nil {
			latencies[hostKey] = append(latencies[hostKey], *f.Timing.Total)
			var status int
			if f.Response != nil {
				status = f.Response.StatusCode
			}
			s.Slowest = append(s.Slowest, SlowRequest{
				Method:  f.Request.Method,
				URL:     f.Request.URL,
				TotalMS: *f.Timing.Total,
				Status:  status,
			})
		}
	}

	for host, h := range hosts {
		if ls := latencies[host]; len(ls) != 0 {
			var sum float64
			for _, l := range ls {
				sum += l
			}
			h.AvgLatencyMS = sum / float64(len(ls))
		}
		s.ByHost = append(s.ByHost, *h)
	}
	sort.Slice(s.ByHost, func(i, j int) bool {
		if s.ByHost[i].Total != s.ByHost[j].Total {
			return s.ByHost[i].Total > s.ByHost[j].Total
		}
		return s.ByHost[i].Host < s.ByHost[j].Host
	})

	for _, p := range errPatterns {
		s.TopErrors = append(s.TopErrors, *p)
	}
	sort.Slice(s.TopErrors, func(i, j int) bool {
		if s.TopErrors[i].Count != s.TopErrors[j].Count {
			return s.TopErrors[i].Count > s.TopErrors[j].Count
		}
		return s.TopErrors[i].Pattern < s.TopErrors[j].Pattern
	})
	if len(s.TopErrors) > 10 {
		s.TopErrors = s.TopErrors[:10]
	}

	sort.Slice(s.Slowest, func(i, j int) bool { return s.Slowest[i].TotalMS > s.Slowest[j].TotalMS })
	if len(s.Slowest) > 5 {
		s.Slowest = s.Slowest[:5]
	}

	s.Prose = flowProse(s)
	return s
}

func recordFlowError(patterns map[string]*FlowErrorPattern, key string, ts time.Time) {
	var p, ok = patterns[key]
	if !ok {
		p = &FlowErrorPattern{Pattern: key, FirstSeen: ts}
		patterns[key] = p
	}
	p.Count++
	if ts.After(p.LastSeen) {
		p.LastSeen = ts
	}
}

func flowProse(s *FlowSummary) string {
	if s.Total == 0 {
		return fmt.Sprintf("No network flows captured in %s.", s.Window)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d flows across %d hosts in %s.", s.Total, len(s.ByHost), s.Window)

	for i, h := range s.ByHost {
		if i == 3 {
			fmt.Fprintf(&b, " (%d more hosts.)", len(s.ByHost)-3)
			break
		}
		fmt.Fprintf(&b, " %s: %d requests", h.Host, h.Total)
		var parts []string
		if h.Success != 0 {
			parts = append(parts, fmt.Sprintf("%d ok", h.Success))
		}
		if h.Client4xx != 0 {
			parts = append(parts, fmt.Sprintf("%d 4xx", h.Client4xx))
		}
		if h.Server5xx != 0 {
			parts = append(parts, fmt.Sprintf("%d 5xx", h.Server5xx))
		}
		if h.ConnectionErrors != 0 {
			parts = append(parts, fmt.Sprintf("%d connection errors", h.ConnectionErrors))
		}
		if len(parts) != 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
		}
		b.WriteString(".")
	}

	if len(s.TopErrors) != 0 {
		var top = s.TopErrors[0]
		fmt.Fprintf(&b, " Top error: %s (%dx).", top.Pattern, top.Count)
	}
	return b.String()
}
