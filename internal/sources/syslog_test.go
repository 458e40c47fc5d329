package sources

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quernlabs/quern/internal/model"
)

func TestParseSyslogLine(t *testing.T) {
	var e = ParseSyslogLine(`Feb  7 14:23:01 iPhone MyApp(CoreFoundation)[1234] <Error>: Failed to fetch`)

	require.Equal(t, model.SourceSyslog, e.Source)
	require.Equal(t, "iPhone", e.DeviceID)
	require.Equal(t, "MyApp", e.Process)
	require.Equal(t, "CoreFoundation", e.Subsystem)
	require.Equal(t, 1234, e.PID)
	require.Equal(t, model.LevelError, e.Level)
	require.Equal(t, "Failed to fetch", e.Message)
	require.False(t, e.Timestamp.IsZero())
}

func TestParseSyslogLineLevelTokens(t *testing.T) {
	var cases = map[string]model.LogLevel{
		"Notice":  model.LevelNotice,
		"Warning": model.LevelWarning,
		"Debug":   model.LevelDebug,
	}
	for token, want := range cases {
		var e = ParseSyslogLine(`Feb 17 09:00:00 iPhone MyApp(UIKit)[99] <` + token + `>: hello`)
		require.Equal(t, want, e.Level, "token %s", token)
	}
}

func TestParseSyslogLineFallbackKeepsRaw(t *testing.T) {
	var line = "--- log restarted ---"
	var e = ParseSyslogLine(line)

	require.Equal(t, model.LevelInfo, e.Level)
	require.Equal(t, line, e.Message)
	require.Equal(t, line, e.Raw)
	require.Empty(t, e.Process)
}

func TestNormalizeSpaces(t *testing.T) {
	require.Equal(t, "Feb 7 14:23:01", normalizeSpaces("Feb  7 14:23:01"))
	require.Equal(t, "a b c", normalizeSpaces("a  b   c"))
}
