package model

import (
	"fmt"
	"time"
)

// BodyEncoding tells a client how a captured body was encoded for JSON
// transport.
type BodyEncoding string

const (
	EncodingUTF8   BodyEncoding = "utf-8"
	EncodingBase64 BodyEncoding = "base64"
)

// Header is one request or response header. Headers are kept as an ordered
// slice rather than a map so that insertion order survives a round trip.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FlowRequest is the request half of a captured flow.
type FlowRequest struct {
	Method        string       `json:"method"`
	URL           string       `json:"url"`
	Scheme        string       `json:"scheme,omitempty"`
	Host          string       `json:"host"`
	Port          int          `json:"port,omitempty"`
	Path          string       `json:"path"`
	Headers       []Header     `json:"headers,omitempty"`
	Body          string       `json:"body,omitempty"`
	BodySize      int64        `json:"body_size"`
	BodyTruncated bool         `json:"body_truncated,omitempty"`
	BodyFullSize  int64        `json:"body_full_size,omitempty"`
	BodyEncoding  BodyEncoding `json:"body_encoding,omitempty"`
}

// FlowResponse is the response half of a captured flow.
type FlowResponse struct {
	StatusCode    int          `json:"status_code"`
	Reason        string       `json:"reason,omitempty"`
	Headers       []Header     `json:"headers,omitempty"`
	Body          string       `json:"body,omitempty"`
	BodySize      int64        `json:"body_size"`
	BodyTruncated bool         `json:"body_truncated,omitempty"`
	BodyFullSize  int64        `json:"body_full_size,omitempty"`
	BodyEncoding  BodyEncoding `json:"body_encoding,omitempty"`
}

// FlowTiming carries per-phase durations in milliseconds. Nil pointers mean
// the interceptor did not report that phase.
type FlowTiming struct {
	DNS      *float64 `json:"dns,omitempty"`
	Connect  *float64 `json:"connect,omitempty"`
	TLS      *float64 `json:"tls,omitempty"`
	Request  *float64 `json:"request,omitempty"`
	Response *float64 `json:"response,omitempty"`
	Total    *float64 `json:"total,omitempty"`
}

// FlowTLS describes the TLS session of a captured flow.
type FlowTLS struct {
	Version string `json:"version,omitempty"`
	SNI     string `json:"sni,omitempty"`
}

// FlowStatus is the lifecycle state of a flow.
type FlowStatus string

const (
	FlowPending  FlowStatus = "pending"
	FlowComplete FlowStatus = "complete"
	FlowFailed   FlowStatus = "failed"
)

// FlowRecord is a captured HTTP(S) request/response pair. Its ID is shared
// with the one-line summary LogEntry synthesized into the ring buffer.
// Exactly one of Response or Error is set once Status leaves pending.
type FlowRecord struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Status    FlowStatus    `json:"status"`
	Request   FlowRequest   `json:"request"`
	Response  *FlowResponse `json:"response,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timing    FlowTiming    `json:"timing"`
	TLS       *FlowTLS      `json:"tls,omitempty"`
	DeviceID  string        `json:"device_id,omitempty"`
	Tags      []string      `json:"tags,omitempty"`
}

// HasTag reports whether the flow carries the given derived tag.
func (f *FlowRecord) HasTag(tag string) bool {
	for _, t := range f.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Summary renders the one-line digest used for the paired ring-buffer entry.
func (f *FlowRecord) Summary() string {
	switch {
	case f.Error != "":
		return fmt.Sprintf("%s %s%s failed: %s", f.Request.Method, f.Request.Host, f.Request.Path, f.Error)
	case f.Response != nil:
		var ms float64
		if f.Timing.Total != nil {
			ms = *f.Timing.Total
		}
		return fmt.Sprintf("%s %s%s -> %d (%.0fms, %s)",
			f.Request.Method, f.Request.Host, f.Request.Path,
			f.Response.StatusCode, ms, humanSize(f.Response.BodySize))
	default:
		return fmt.Sprintf("%s %s%s (pending)", f.Request.Method, f.Request.Host, f.Request.Path)
	}
}

func humanSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}
