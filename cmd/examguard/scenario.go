package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/platform/sim"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/sentinel"
)

// step is one scripted device action at an offset from session start.
type step struct {
	At     time.Duration
	Action string
	Arg    string
}

var stepActions = map[string]string{
	"pause":        "publish a pause of the exam surface",
	"stop":         "publish a stop of the exam surface",
	"resume":       "publish a resume of the exam surface",
	"focus-lost":   "publish a window focus loss",
	"focus-gained": "publish a window focus gain",
	"away":         "switch to another app (pause, stop, background)",
	"return":       "bring the exam surface back and resume",
	"unpin":        "break out of screen pinning",
	"refuse":       "make the platform refuse to pin",
	"allow":        "let the platform pin again",
	"report":       "host-reported warning, message after '='",
}

// parseTimeline parses "offset:action[=arg]" entries separated by commas,
// e.g. "500ms:away,1.5s:return,3s:report=calculator opened".
func parseTimeline(s string) ([]step, error) {
	var steps []step
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		at, rest, ok := strings.Cut(raw, ":")
		if !ok {
			return nil, fmt.Errorf("event %q: expected offset:action", raw)
		}
		d, err := time.ParseDuration(strings.TrimSpace(at))
		if err != nil {
			return nil, fmt.Errorf("event %q: %w", raw, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("event %q: negative offset", raw)
		}
		action, arg, _ := strings.Cut(strings.TrimSpace(rest), "=")
		if _, known := stepActions[action]; !known {
			return nil, fmt.Errorf("event %q: unknown action %q", raw, action)
		}
		if action == "report" && arg == "" {
			return nil, fmt.Errorf("event %q: report needs a message", raw)
		}
		steps = append(steps, step{At: d, Action: action, Arg: arg})
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].At < steps[j].At })
	return steps, nil
}

// parsePins parses a pinning pattern such as "1,1,0,1" into the scripted
// answers of successive pin-state queries.
func parsePins(s string) ([]bool, error) {
	var pins []bool
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("pin pattern %q: %w", raw, err)
		}
		pins = append(pins, b)
	}
	return pins, nil
}

// hostReporter is the part of the core a report step needs.
type hostReporter interface {
	LogViolation(id, message string, sev sentinel.Severity)
}

func (st step) apply(dev *sim.Device, host hostReporter, sessionID string) {
	switch st.Action {
	case "pause":
		dev.Publish(sentinel.Paused)
	case "stop":
		dev.Publish(sentinel.Stopped)
	case "resume":
		dev.Publish(sentinel.Resumed)
	case "focus-lost":
		dev.Foreground.SetForeground(false)
		dev.Publish(sentinel.FocusLost)
	case "focus-gained":
		dev.Foreground.SetForeground(true)
		dev.Publish(sentinel.FocusGained)
	case "away":
		dev.SwitchAway()
	case "return":
		dev.Return()
	case "unpin":
		dev.Unpin()
	case "refuse":
		dev.Enforcement.SetRefuse(true)
	case "allow":
		dev.Enforcement.SetRefuse(false)
	case "report":
		host.LogViolation(sessionID, st.Arg, sentinel.SeverityWarning)
	}
}

func (st step) String() string {
	if st.Arg != "" {
		return fmt.Sprintf("%s:%s=%s", st.At, st.Action, st.Arg)
	}
	return fmt.Sprintf("%s:%s", st.At, st.Action)
}
