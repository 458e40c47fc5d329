package model

import "time"

// CrashFrame is one frame of the faulting thread's backtrace.
type CrashFrame struct {
	Index  int    `json:"index"`
	Image  string `json:"image"`
	Symbol string `json:"symbol,omitempty"`
	Offset int64  `json:"offset,omitempty"`
}

// CrashReport is a parsed .ips or .crash diagnostic report.
type CrashReport struct {
	ID             string       `json:"id"`
	Path           string       `json:"path"`
	Timestamp      time.Time    `json:"timestamp"`
	Process        string       `json:"process"`
	BundleID       string       `json:"bundle_id,omitempty"`
	DeviceID       string       `json:"device_id,omitempty"`
	OSVersion      string       `json:"os_version,omitempty"`
	ExceptionType  string       `json:"exception_type,omitempty"`
	ExceptionCode  string       `json:"exception_code,omitempty"`
	Signal         string       `json:"signal,omitempty"`
	TerminationMsg string       `json:"termination_message,omitempty"`
	FaultingThread int          `json:"faulting_thread"`
	Frames         []CrashFrame `json:"frames,omitempty"`
}

// BuildIssue is one compiler error or warning extracted from a build log.
type BuildIssue struct {
	Severity string `json:"severity"` // "error" or "warning"
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Message  string `json:"message"`
}

// TestResult is one test case outcome extracted from a build log.
type TestResult struct {
	Class    string  `json:"class"`
	Test     string  `json:"test"`
	Passed   bool    `json:"passed"`
	Duration float64 `json:"duration_seconds"`
	Failure  string  `json:"failure,omitempty"`
}

// BuildReport aggregates the issues and test results of one build log.
type BuildReport struct {
	Succeeded bool         `json:"succeeded"`
	Errors    []BuildIssue `json:"errors"`
	Warnings  []BuildIssue `json:"warnings"`
	Tests     []TestResult `json:"tests"`
	ParsedAt  time.Time    `json:"parsed_at"`
}
