package sources

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quernlabs/quern/internal/model"
)

const buildLogFixture = `Build settings from command line:
    SDKROOT = iphonesimulator18.2

/Users/dev/App/Sources/Login.swift:12:5: error: cannot find 'authClient' in scope
/Users/dev/App/Sources/Feed.swift:88:20: warning: 'fetchAll' is deprecated
error: no such module 'Analytics'
Test Case '-[MyAppTests testLogin]' passed (0.123 seconds).
/Users/dev/App/Tests/MyAppTests.swift:42:9: error: -[MyAppTests testLogout] : XCTAssertEqual failed: ("nil") is not equal to ("token")
Test Case '-[MyAppTests testLogout]' failed (0.456 seconds).
** BUILD FAILED **
`

func TestParseBuildLog(t *testing.T) {
	var report, err = ParseBuildLog(strings.NewReader(buildLogFixture))
	require.NoError(t, err)

	require.False(t, report.Succeeded)

	require.Len(t, report.Errors, 2)
	require.Equal(t, "/Users/dev/App/Sources/Login.swift", report.Errors[0].File)
	require.Equal(t, 12, report.Errors[0].Line)
	require.Equal(t, 5, report.Errors[0].Column)
	require.Equal(t, "cannot find 'authClient' in scope", report.Errors[0].Message)
	require.Equal(t, "no such module 'Analytics'", report.Errors[1].Message)
	require.Empty(t, report.Errors[1].File)

	require.Len(t, report.Warnings, 1)
	require.Equal(t, "'fetchAll' is deprecated", report.Warnings[0].Message)

	require.Len(t, report.Tests, 2)
	require.True(t, report.Tests[0].Passed)
	require.Equal(t, 0.123, report.Tests[0].Duration)
	require.False(t, report.Tests[1].Passed)
	require.Equal(t, "XCTAssertEqual failed: (\"nil\") is not equal to (\"token\")", report.Tests[1].Failure)
}

func TestParseBuildLogCleanBuildSucceeds(t *testing.T) {
	var report, err = ParseBuildLog(strings.NewReader("** BUILD SUCCEEDED **\n"))
	require.NoError(t, err)
	require.True(t, report.Succeeded)
	require.Empty(t, report.Errors)
}

func TestBuildTrackerEmitsIssuesAndFailures(t *testing.T) {
	var emitted []model.LogEntry
	var tracker = &BuildTracker{Emit: func(e model.LogEntry) { emitted = append(emitted, e) }}

	var report, err = ParseBuildLog(strings.NewReader(buildLogFixture))
	require.NoError(t, err)
	tracker.Record(report)

	require.Equal(t, report, tracker.Latest())
	require.Len(t, emitted, 3) // two errors plus one failed test
	for _, e := range emitted {
		require.Equal(t, model.LevelError, e.Level)
		require.Equal(t, model.SourceBuild, e.Source)
	}
	require.Contains(t, emitted[2].Message, "testLogout")
}
