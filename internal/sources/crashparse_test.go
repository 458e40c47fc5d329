package sources

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const ipsFixture = `{"app_name":"MyApp","bundleID":"com.example.myapp","name":"MyApp","os_version":"iPhone OS 18.2 (22C150)","timestamp":"2026-02-07 14:23:01.00 -0800"}
{"procName":"MyApp","osVersion":{"train":"iPhone OS 18.2"},"exception":{"type":"EXC_BAD_ACCESS","codes":"0x0000000000000001, 0x0000000000000010","signal":"SIGSEGV"},"termination":{"indicator":"Segmentation fault: 11"},"faultingThread":0,"threads":[{"triggered":true,"frames":[{"imageIndex":0,"symbol":"handleTap","symbolLocation":42,"imageOffset":12345},{"imageIndex":1,"symbol":"objc_msgSend","symbolLocation":8,"imageOffset":99}]}],"usedImages":[{"name":"MyApp"},{"name":"libobjc.A.dylib"}]}`

func TestParseIPSReport(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "MyApp-2026-02-07-142301.ips")
	require.NoError(t, os.WriteFile(path, []byte(ipsFixture), 0o644))

	var report, err = ParseCrashFile(path)
	require.NoError(t, err)

	require.NotEmpty(t, report.ID)
	require.Equal(t, path, report.Path)
	require.Equal(t, "MyApp", report.Process)
	require.Equal(t, "com.example.myapp", report.BundleID)
	require.Equal(t, "iPhone OS 18.2 (22C150)", report.OSVersion)
	require.Equal(t, "EXC_BAD_ACCESS", report.ExceptionType)
	require.Equal(t, "SIGSEGV", report.Signal)
	require.Equal(t, "Segmentation fault: 11", report.TerminationMsg)
	require.Equal(t, 0, report.FaultingThread)
	require.Equal(t, 2026, report.Timestamp.Year())

	require.Len(t, report.Frames, 2)
	require.Equal(t, "MyApp", report.Frames[0].Image)
	require.Equal(t, "handleTap", report.Frames[0].Symbol)
	require.Equal(t, int64(42), report.Frames[0].Offset)
	require.Equal(t, "libobjc.A.dylib", report.Frames[1].Image)
}

const legacyFixture = `Process:               MyApp [1234]
Identifier:            com.example.myapp
OS Version:            iPhone OS 17.5 (21F79)
Exception Type:        EXC_CRASH (SIGABRT)
Exception Codes:       0x0000000000000000, 0x0000000000000000
Termination Reason:    Namespace SIGNAL, Code 6 Abort trap: 6

Thread 2 Crashed:
0   libsystem_kernel.dylib        	0x00000001e8a5b178 __pthread_kill + 8
1   libsystem_pthread.dylib       	0x00000001f4e289f8 pthread_kill + 268
2   MyApp                         	0x0000000102a4c310 fatalHandler + 40

Thread 3:
0   libsystem_kernel.dylib        	0x00000001e8a5b000 mach_msg2_trap + 8
`

func TestParseLegacyCrashReport(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "MyApp.crash")
	require.NoError(t, os.WriteFile(path, []byte(legacyFixture), 0o644))

	var report, err = ParseCrashFile(path)
	require.NoError(t, err)

	require.Equal(t, "MyApp", report.Process)
	require.Equal(t, "com.example.myapp", report.BundleID)
	require.Equal(t, "iPhone OS 17.5 (21F79)", report.OSVersion)
	require.Equal(t, "EXC_CRASH", report.ExceptionType)
	require.Equal(t, "SIGABRT", report.Signal)
	require.Equal(t, 2, report.FaultingThread)

	// Only the crashed thread's frames are captured.
	require.Len(t, report.Frames, 3)
	require.Equal(t, "__pthread_kill", report.Frames[0].Symbol)
	require.Equal(t, int64(8), report.Frames[0].Offset)
	require.Equal(t, "MyApp", report.Frames[2].Image)
}

func TestParseCrashFileRejectsUnparseable(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "junk.crash")
	require.NoError(t, os.WriteFile(path, []byte("nothing useful here\n"), 0o644))

	var _, err = ParseCrashFile(path)
	require.Error(t, err)
}

func TestCrashSpoolRoundTrip(t *testing.T) {
	var spool, err = OpenCrashSpool(filepath.Join(t.TempDir(), "crashes.db"))
	require.NoError(t, err)
	defer spool.Close()

	var path = filepath.Join(t.TempDir(), "MyApp.ips")
	require.NoError(t, os.WriteFile(path, []byte(ipsFixture), 0o644))
	report, err := ParseCrashFile(path)
	require.NoError(t, err)

	require.NoError(t, spool.Insert(report))
	require.NoError(t, spool.Insert(report)) // same id: replaced, not duplicated

	recent, err := spool.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, report.ID, recent[0].ID)
	require.Equal(t, "EXC_BAD_ACCESS", recent[0].ExceptionType)
}
