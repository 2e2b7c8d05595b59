package report

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/sentinel"
)

var testKey = bytes.Repeat([]byte{0x11, 0x22, 0x33, 0x44}, 8)

func endedSession() (sentinel.ExamSession, []sentinel.Violation) {
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(45 * time.Minute)
	s := sentinel.ExamSession{
		ID:        "5c1f8c2e-9a7d-4b7e-8f7a-0f0e2c1d3b4a",
		ExamID:    "chem-110",
		ExamTitle: "Intro Chemistry",
		StartTime: start,
		EndTime:   &end,
		Completed: true,
	}
	vs := []sentinel.Violation{
		{SessionID: s.ID, Seq: 1, Kind: sentinel.KindSurfacePaused, Message: "exam surface paused", Severity: sentinel.SeverityInfo, Timestamp: start.Add(time.Minute)},
		{SessionID: s.ID, Seq: 2, Kind: sentinel.KindSurfaceStopped, Message: "exam surface stopped", Severity: sentinel.SeverityCritical, Timestamp: start.Add(time.Minute + 100*time.Millisecond)},
		{SessionID: s.ID, Seq: 3, Kind: sentinel.KindFocusLost, Message: "exam surface lost window focus", Severity: sentinel.SeverityWarning, Timestamp: start.Add(2 * time.Minute)},
		{SessionID: s.ID, Seq: 4, Kind: sentinel.KindPinLost, Message: "screen pinning lost; recovery attempt 1 of 5", Severity: sentinel.SeverityCritical, Timestamp: start.Add(3 * time.Minute)},
	}
	return s, vs
}

func TestBuild(t *testing.T) {
	s, vs := endedSession()

	r, err := Build(s, vs)
	require.NoError(t, err)

	assert.Equal(t, Version, r.Version)
	assert.Equal(t, s.ID, r.SessionID)
	assert.Equal(t, int64(45*60*1000), r.DurationMs)
	assert.Equal(t, Summary{Info: 1, Warning: 1, Critical: 2, Total: 4}, r.Summary)
	require.Len(t, r.Violations, 4)
	assert.Equal(t, sentinel.KindPinLost, r.Violations[3].Kind)
	assert.Nil(t, r.Seal)

	vs[0].Message = "mutated"
	assert.Equal(t, "exam surface paused", r.Violations[0].Message, "report keeps its own copy")
}

func TestBuildRejectsActiveSession(t *testing.T) {
	s, vs := endedSession()
	s.Completed = false
	s.EndTime = nil

	_, err := Build(s, vs)
	assert.ErrorIs(t, err, ErrActive)
}

func TestBuildEmptyLog(t *testing.T) {
	s, _ := endedSession()
	r, err := Build(s, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, r.Encode(&buf))
	assert.Contains(t, buf.String(), `"violations": []`)
	require.NoError(t, Validate(buf.Bytes()))
}

func TestSealAndVerify(t *testing.T) {
	s, vs := endedSession()
	r, err := Build(s, vs)
	require.NoError(t, err)

	assert.ErrorIs(t, r.Verify(testKey), ErrNotSealed)

	require.NoError(t, r.SealWith(testKey))
	require.NotNil(t, r.Seal)
	assert.Equal(t, SealAlgorithm, r.Seal.Algorithm)
	assert.Len(t, r.Seal.MAC, 64)
	require.NoError(t, r.Verify(testKey))

	other := bytes.Repeat([]byte{0x55, 0x66, 0x77, 0x88}, 8)
	assert.ErrorIs(t, r.Verify(other), ErrSealMismatch)
}

func TestVerifyDetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(*Report)
	}{
		{"drop violation", func(r *Report) { r.Violations = r.Violations[:3] }},
		{"downgrade severity", func(r *Report) { r.Violations[1].Severity = sentinel.SeverityInfo }},
		{"edit message", func(r *Report) { r.Violations[2].Message = "nothing happened" }},
		{"edit summary", func(r *Report) { r.Summary.Critical = 0 }},
		{"shift end", func(r *Report) { r.EndTime = r.EndTime.Add(time.Hour) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, vs := endedSession()
			r, err := Build(s, vs)
			require.NoError(t, err)
			require.NoError(t, r.SealWith(testKey))

			tt.tamper(r)
			assert.ErrorIs(t, r.Verify(testKey), ErrSealMismatch)
		})
	}
}

func TestSealSurvivesEncodeDecode(t *testing.T) {
	s, vs := endedSession()
	r, err := Build(s, vs)
	require.NoError(t, err)
	require.NoError(t, r.SealWith(testKey))

	var buf bytes.Buffer
	require.NoError(t, r.Encode(&buf))

	decoded, err := Decode(buf.Bytes())
	require.NoError(t, err)
	require.NoError(t, decoded.Verify(testKey))

	h1, err := r.Hash()
	require.NoError(t, err)
	h2, err := decoded.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestValidateRejectsBadDocuments(t *testing.T) {
	s, vs := endedSession()
	r, err := Build(s, vs)
	require.NoError(t, err)
	data, err := json.Marshal(r)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing session", func(d map[string]any) { delete(d, "session_id") }},
		{"wrong version", func(d map[string]any) { d["version"] = 2 }},
		{"unknown field", func(d map[string]any) { d["risk"] = "high" }},
		{"bad severity", func(d map[string]any) {
			d["violations"].([]any)[0].(map[string]any)["severity"] = "SEVERE"
		}},
		{"seq zero", func(d map[string]any) {
			d["violations"].([]any)[0].(map[string]any)["seq"] = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cp map[string]any
			require.NoError(t, json.Unmarshal(data, &cp))
			tt.mutate(cp)
			bad, err := json.Marshal(cp)
			require.NoError(t, err)
			assert.Error(t, Validate(bad))
			_, err = Decode(bad)
			assert.Error(t, err)
		})
	}

	assert.Error(t, Validate([]byte("not json")))
	require.NoError(t, Validate(data))
}
