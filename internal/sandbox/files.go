package sandbox

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"lantern/cli/internal/global"
)

const (
	trackingDirName = "tracking"
	resultsDirName  = "results"
	sharedDirName   = "shared"

	goalFileName     = "goal.json"
	resultFileName   = "result.json"
	agentLogFileName = "agent.log"
	consoleFileName  = "console.log"

	diagnosticTailBytes = 2000
)

type layout struct {
	root string
}

func (l layout) trackingPath(id string) string {
	return filepath.Join(l.root, trackingDirName, id+".json")
}

func (l layout) resultPath(id string) string {
	return filepath.Join(l.root, resultsDirName, id+".json")
}

func (l layout) sharedDir(id string) string {
	return filepath.Join(l.root, sharedDirName, id)
}

func (l layout) ensure() error {
	for _, dir := range []string{trackingDirName, resultsDirName, sharedDirName} {
		if err := os.MkdirAll(filepath.Join(l.root, dir), 0o755); err != nil {
			return err
		}
	}
	return nil
}

// ids lists record ids in dir, sorted.
func (l layout) ids(dirName string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(l.root, dirName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(out)
	return out, nil
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func writeJSON(path string, v any) error {
	return global.WriteJSONAtomically(path, v)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// tail returns up to n trailing bytes of path, trimmed.
func tail(path string, n int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return ""
	}
	if info.Size() > n {
		if _, err := f.Seek(-n, io.SeekEnd); err != nil {
			return ""
		}
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
