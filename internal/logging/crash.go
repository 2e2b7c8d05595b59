package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"time"
)

// CrashReport is written to disk when a process-level panic is recovered.
type CrashReport struct {
	Timestamp    time.Time              `json:"timestamp"`
	Version      string                 `json:"version"`
	GOOS         string                 `json:"goos"`
	GOARCH       string                 `json:"goarch"`
	NumGoroutine int                    `json:"num_goroutine"`
	PanicValue   string                 `json:"panic_value"`
	StackTrace   string                 `json:"stack_trace"`
	Context      map[string]interface{} `json:"context,omitempty"`
}

// CrashHandler records panics that escape to the top of a goroutine.
type CrashHandler struct {
	dir     string
	version string
	logger  *Logger
}

// NewCrashHandler writes crash reports into dir.
func NewCrashHandler(dir, version string, logger *Logger) *CrashHandler {
	if dir == "" {
		dir = filepath.Join(filepath.Dir(DefaultLogPath("x")), "crashes")
	}
	if logger == nil {
		logger = Default()
	}
	return &CrashHandler{dir: dir, version: version, logger: logger.WithComponent("crash")}
}

// Recover runs fn and turns a panic into a crash report. It returns the
// recovered value, or nil if fn returned normally.
func (h *CrashHandler) Recover(contextInfo map[string]interface{}, fn func()) (recovered interface{}) {
	defer func() {
		if r := recover(); r != nil {
			h.HandlePanic(r, contextInfo)
			recovered = r
		}
	}()
	fn()
	return nil
}

// HandlePanic logs and persists a panic value.
func (h *CrashHandler) HandlePanic(value interface{}, contextInfo map[string]interface{}) {
	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprint(value),
		StackTrace:   string(debug.Stack()),
		Context:      contextInfo,
	}

	path, err := h.write(report)
	if err != nil {
		h.logger.Error("panic recovered; crash report not written", "panic", report.PanicValue, "error", err)
		return
	}
	h.logger.Error("panic recovered", "panic", report.PanicValue, "report", path)
}

func (h *CrashHandler) write(report CrashReport) (string, error) {
	if err := os.MkdirAll(h.dir, 0750); err != nil {
		return "", fmt.Errorf("create crash dir: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	name := fmt.Sprintf("crash-%s.json", report.Timestamp.Format("20060102-150405.000000000"))
	path := filepath.Join(h.dir, name)
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Reports returns the stored crash reports, oldest first.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	matches, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	reports := make([]CrashReport, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var r CrashReport
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		reports = append(reports, r)
	}
	return reports, nil
}
