package claudecode

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/types"
)

// latestTranscript finds the most recently modified JSONL transcript
// for a workspace. Empty string when the directory or files are
// absent.
func latestTranscript(workspacePath string) (string, error) {
	if workspacePath == "" {
		return "", nil
	}
	dir, err := sessionDir(workspacePath)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}

	var newest string
	var newestTime time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestTime) {
			newest = filepath.Join(dir, e.Name())
			newestTime = info.ModTime()
		}
	}
	return newest, nil
}

// transcriptLine is the subset of Claude's JSONL schema the engine
// cares about.
type transcriptLine struct {
	Type      string  `json:"type"`
	Summary   string  `json:"summary,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`
	CostUSD   float64 `json:"costUSD,omitempty"`
}

// parseTranscriptInfo scans a transcript for the latest summary entry,
// accumulated cost, and the final timestamp.
func parseTranscriptInfo(path string) (*types.AgentInfo, error) {
	f, err := os.Open(path) //nolint:gosec // path enumerated from the transcript directory
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info := &types.AgentInfo{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry transcriptLine
		if json.Unmarshal(line, &entry) != nil {
			continue
		}
		if entry.Type == "summary" && entry.Summary != "" {
			info.Summary = entry.Summary
		}
		info.CostUSD += entry.CostUSD
		if entry.Timestamp != "" {
			if t, err := time.Parse(time.RFC3339Nano, entry.Timestamp); err == nil {
				info.LastLogTime = t
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if info.Summary == "" && info.CostUSD == 0 && info.LastLogTime.IsZero() {
		return nil, nil
	}
	return info, nil
}

// readTail returns up to n trailing bytes of a file.
func readTail(path string, n int64) (string, error) {
	f, err := os.Open(path) //nolint:gosec // path enumerated from the transcript directory
	if err != nil {
		return "", err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return "", err
	}
	offset := stat.Size() - n
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
