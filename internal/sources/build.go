package sources

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quernlabs/quern/internal/model"
)

var (
	// /path/File.swift:12:5: error: cannot find 'foo' in scope
	buildIssue = regexp.MustCompile(`^(.*?):(\d+):(\d+): (error|warning): (.*)$`)
	// error: no such module 'Foo'  (no file position)
	bareIssue = regexp.MustCompile(`^(error|warning): (.*)$`)
	// Test Case '-[MyTests testLogin]' passed (0.123 seconds).
	testCase = regexp.MustCompile(`^Test Case '-\[(\S+) (\S+)\]' (passed|failed) \((\d+\.\d+) seconds\)\.?$`)
	// /path/Tests.swift:42: error: -[MyTests testLogin] : XCTAssertEqual failed
	testFailure = regexp.MustCompile(`^.*?:\d+: error: -\[(\S+) (\S+)\] : (.*)$`)
)

// ParseBuildLog extracts errors, warnings and test results from xcodebuild
// output. It accepts either a completed log file or a live stream.
func ParseBuildLog(r io.Reader) (*model.BuildReport, error) {
	var report = &model.BuildReport{
		Succeeded: true,
		ParsedAt:  time.Now().UTC(),
	}
	var failures = map[string]string{} // class.test -> failure message

	var scanner = bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		var line = strings.TrimSpace(scanner.Text())

		if m := buildIssue.FindStringSubmatch(line); m != nil {
			var lineNo, _ = strconv.Atoi(m[2])
			var colNo, _ = strconv.Atoi(m[3])
			var issue = model.BuildIssue{
				Severity: m[4],
				File:     m[1],
				Line:     lineNo,
				Column:   colNo,
				Message:  m[5],
			}
			if m[4] == "error" {
				// Test assertion failures share the compiler diagnostic shape;
				// attribute them to the test instead of the issue list.
				if tm := testFailure.FindStringSubmatch(scanner.Text()); tm != nil {
					failures[tm[1]+"."+tm[2]] = tm[3]
					continue
				}
				report.Errors = append(report.Errors, issue)
			} else {
				report.Warnings = append(report.Warnings, issue)
			}
			continue
		}

		if m := bareIssue.FindStringSubmatch(line); m != nil {
			var issue = model.BuildIssue{Severity: m[1], Message: m[2]}
			if m[1] == "error" {
				report.Errors = append(report.Errors, issue)
			} else {
				report.Warnings = append(report.Warnings, issue)
			}
			continue
		}

		if m := testCase.FindStringSubmatch(line); m != nil {
			var duration, _ = strconv.ParseFloat(m[4], 64)
			report.Tests = append(report.Tests, model.TestResult{
				Class:    m[1],
				Test:     m[2],
				Passed:   m[3] == "passed",
				Duration: duration,
			})
			continue
		}

		if strings.HasPrefix(line, "** BUILD FAILED **") || strings.HasPrefix(line, "** TEST FAILED **") {
			report.Succeeded = false
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if len(report.Errors) != 0 {
		report.Succeeded = false
	}
	for i := range report.Tests {
		var t = &report.Tests[i]
		if msg, ok := failures[t.Class+"."+t.Test]; ok && !t.Passed {
			t.Failure = msg
		}
	}
	return report, nil
}

// BuildTracker retains the most recent parse for /builds/latest and emits
// issue entries into the ring buffer.
type BuildTracker struct {
	Emit EmitFunc

	mu     sync.Mutex
	latest *model.BuildReport
}

// Record stores the report and mirrors its issues into the log stream.
func (b *BuildTracker) Record(report *model.BuildReport) {
	b.mu.Lock()
	b.latest = report
	b.mu.Unlock()

	if b.Emit == nil {
		return
	}
	for _, issue := range report.Errors {
		b.Emit(model.LogEntry{
			Level:   model.LevelError,
			Source:  model.SourceBuild,
			Message: formatIssue(issue),
		})
	}
	for _, t := range report.Tests {
		if !t.Passed {
			b.Emit(model.LogEntry{
				Level:   model.LevelError,
				Source:  model.SourceBuild,
				Message: "test failed: " + t.Class + "." + t.Test + ": " + t.Failure,
			})
		}
	}
}

func formatIssue(i model.BuildIssue) string {
	if i.File == "" {
		return i.Severity + ": " + i.Message
	}
	return i.File + ":" + strconv.Itoa(i.Line) + ":" + strconv.Itoa(i.Column) +
		": " + i.Severity + ": " + i.Message
}

// Latest returns the most recent report.
func (b *BuildTracker) Latest() *model.BuildReport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest
}
