package sources

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quernlabs/quern/internal/model"
)

// ParseCrashFile parses a modern JSON .ips report or a legacy text .crash
// report into a CrashReport.
func ParseCrashFile(path string) (*model.CrashReport, error) {
	var data, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var report *model.CrashReport
	if strings.HasSuffix(strings.ToLower(path), ".ips") {
		report, err = parseIPS(data)
	} else {
		report, err = parseLegacyCrash(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	report.ID = uuid.NewString()
	report.Path = path
	if report.Timestamp.IsZero() {
		if fi, err := os.Stat(path); err == nil {
			report.Timestamp = fi.ModTime().UTC()
		} else {
			report.Timestamp = time.Now().UTC()
		}
	}
	return report, nil
}

// ipsHeader is the first line of a .ips file; ipsPayload is the second.
type ipsHeader struct {
	AppName   string `json:"app_name"`
	BundleID  string `json:"bundleID"`
	Name      string `json:"name"`
	OSVersion string `json:"os_version"`
	Timestamp string `json:"timestamp"`
}

type ipsPayload struct {
	ProcName  string `json:"procName"`
	CoalName  string `json:"coalitionName"`
	OSVersion struct {
		Train string `json:"train"`
	} `json:"osVersion"`
	Exception struct {
		Type    string `json:"type"`
		Codes   string `json:"codes"`
		Signal  string `json:"signal"`
		Subtype string `json:"subtype"`
	} `json:"exception"`
	Termination struct {
		Indicator string `json:"indicator"`
	} `json:"termination"`
	FaultingThread int `json:"faultingThread"`
	Threads        []struct {
		Triggered bool `json:"triggered"`
		Frames    []struct {
			ImageIndex   int    `json:"imageIndex"`
			Symbol       string `json:"symbol"`
			SymbolOffset int64  `json:"symbolLocation"`
			ImageOffset  int64  `json:"imageOffset"`
		} `json:"frames"`
	} `json:"threads"`
	UsedImages []struct {
		Name string `json:"name"`
	} `json:"usedImages"`
}

func parseIPS(data []byte) (*model.CrashReport, error) {
	var nl = strings.IndexByte(string(data), '\n')
	if nl < 0 {
		return nil, fmt.Errorf("missing payload line")
	}

	var header ipsHeader
	if err := json.Unmarshal(data[:nl], &header); err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	var payload ipsPayload
	if err := json.Unmarshal(data[nl+1:], &payload); err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}

	var report = &model.CrashReport{
		Process:        payload.ProcName,
		BundleID:       header.BundleID,
		OSVersion:      header.OSVersion,
		ExceptionType:  payload.Exception.Type,
		ExceptionCode:  payload.Exception.Codes,
		Signal:         payload.Exception.Signal,
		TerminationMsg: payload.Termination.Indicator,
		FaultingThread: payload.FaultingThread,
	}
	if report.Process == "" {
		report.Process = header.AppName
	}
	// "2024-02-07 14:23:01.00 -0800"
	if t, err := time.Parse("2006-01-02 15:04:05.00 -0700", header.Timestamp); err == nil {
		report.Timestamp = t.UTC()
	}

	for i, th := range payload.Threads {
		if !th.Triggered && i != payload.FaultingThread {
			continue
		}
		for j, fr := range th.Frames {
			var image string
			if fr.ImageIndex >= 0 && fr.ImageIndex < len(payload.UsedImages) {
				image = payload.UsedImages[fr.ImageIndex].Name
			}
			report.Frames = append(report.Frames, model.CrashFrame{
				Index:  j,
				Image:  image,
				Symbol: fr.Symbol,
				Offset: fr.SymbolOffset,
			})
		}
		break
	}
	return report, nil
}

var (
	legacyField = regexp.MustCompile(`^([A-Za-z ]+):\s+(.*)$`)
	legacyFrame = regexp.MustCompile(`^(\d+)\s+(\S+)\s+0x[0-9a-fA-F]+\s+(.*?)(?:\s+\+\s+(\d+))?$`)
)

func parseLegacyCrash(data []byte) (*model.CrashReport, error) {
	var report = &model.CrashReport{}
	var scanner = bufio.NewScanner(strings.NewReader(string(data)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var inFaultingThread bool
	for scanner.Scan() {
		var line = scanner.Text()

		if m := legacyField.FindStringSubmatch(line); m != nil {
			switch m[1] {
			case "Process":
				report.Process = strings.TrimSpace(strings.SplitN(m[2], "[", 2)[0])
			case "Identifier":
				report.BundleID = strings.TrimSpace(m[2])
			case "OS Version":
				report.OSVersion = strings.TrimSpace(m[2])
			case "Exception Type":
				var parts = strings.SplitN(m[2], "(", 2)
				report.ExceptionType = strings.TrimSpace(parts[0])
				if len(parts) == 2 {
					report.Signal = strings.TrimSuffix(strings.TrimSpace(parts[1]), ")")
				}
			case "Exception Codes":
				report.ExceptionCode = strings.TrimSpace(m[2])
			case "Termination Reason":
				report.TerminationMsg = strings.TrimSpace(m[2])
			}
		}

		if strings.Contains(line, "Crashed:") && strings.HasPrefix(line, "Thread ") {
			inFaultingThread = true
			var fields = strings.Fields(line)
			if len(fields) >= 2 {
				if n, err := strconv.Atoi(fields[1]); err == nil {
					report.FaultingThread = n
				}
			}
			continue
		}
		if inFaultingThread {
			if strings.TrimSpace(line) == "" {
				inFaultingThread = false
				continue
			}
			if m := legacyFrame.FindStringSubmatch(line); m != nil {
				var idx, _ = strconv.Atoi(m[1])
				var offset int64
				if m[4] != "" {
					offset, _ = strconv.ParseInt(m[4], 10, 64)
				}
				report.Frames = append(report.Frames, model.CrashFrame{
					Index:  idx,
					Image:  m[2],
					Symbol: strings.TrimSpace(m[3]),
					Offset: offset,
				})
			}
		}
	}
	if report.Process == "" {
		return nil, fmt.Errorf("no Process field found")
	}
	return report, nil
}
