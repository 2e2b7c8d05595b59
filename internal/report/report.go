// Package report turns a frozen session violation log into a sealed,
// schema-checked document for post-exam review.
package report

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/security"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/sentinel"
)

// Version is the report format version.
const Version = 1

// SealAlgorithm names the seal construction.
const SealAlgorithm = "HMAC-SHA256"

// Errors
var (
	ErrNotSealed    = errors.New("report: not sealed")
	ErrSealMismatch = errors.New("report: seal does not match contents")
	ErrActive       = errors.New("report: session has not ended")
)

// Summary counts violations by severity.
type Summary struct {
	Info     int `json:"info"`
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
	Total    int `json:"total"`
}

// Report is the frozen record of one exam session.
type Report struct {
	Version     int                  `json:"version"`
	SessionID   string               `json:"session_id"`
	ExamID      string               `json:"exam_id"`
	ExamTitle   string               `json:"exam_title"`
	StartTime   time.Time            `json:"start_time"`
	EndTime     time.Time            `json:"end_time"`
	DurationMs  int64                `json:"duration_ms"`
	Summary     Summary              `json:"summary"`
	Violations  []sentinel.Violation `json:"violations"`
	GeneratedAt time.Time            `json:"generated_at"`

	Seal *Seal `json:"seal,omitempty"`
}

// Seal authenticates a report's contents.
type Seal struct {
	Algorithm string `json:"algorithm"`
	MAC       string `json:"mac"`
}

// Build creates an unsealed report from an ended session and its log.
func Build(s sentinel.ExamSession, violations []sentinel.Violation) (*Report, error) {
	if !s.Completed || s.EndTime == nil {
		return nil, ErrActive
	}

	vs := make([]sentinel.Violation, len(violations))
	copy(vs, violations)

	r := &Report{
		Version:     Version,
		SessionID:   s.ID,
		ExamID:      s.ExamID,
		ExamTitle:   s.ExamTitle,
		StartTime:   s.StartTime.UTC(),
		EndTime:     s.EndTime.UTC(),
		DurationMs:  s.EndTime.Sub(s.StartTime).Milliseconds(),
		Summary:     Summarize(vs),
		Violations:  vs,
		GeneratedAt: time.Now().UTC(),
	}
	for i := range r.Violations {
		r.Violations[i].Timestamp = r.Violations[i].Timestamp.UTC()
	}
	return r, nil
}

// Summarize counts violations by severity.
func Summarize(vs []sentinel.Violation) Summary {
	var s Summary
	for _, v := range vs {
		switch v.Severity {
		case sentinel.SeverityInfo:
			s.Info++
		case sentinel.SeverityWarning:
			s.Warning++
		case sentinel.SeverityCritical:
			s.Critical++
		}
		s.Total++
	}
	return s
}

// canonical encodes the report without its seal. encoding/json emits
// struct fields in declaration order, so the bytes are stable.
func (r *Report) canonical() ([]byte, error) {
	cp := *r
	cp.Seal = nil
	return json.Marshal(&cp)
}

// Hash returns the SHA-256 of the canonical unsealed encoding.
func (r *Report) Hash() ([32]byte, error) {
	data, err := r.canonical()
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

func sealKey(masterKey []byte) ([]byte, error) {
	return security.DeriveKeyWithLabel(masterKey, "report-seal-v1", 32)
}

func (r *Report) mac(masterKey []byte) ([]byte, error) {
	key, err := sealKey(masterKey)
	if err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}
	data, err := r.canonical()
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil), nil
}

// SealWith authenticates the report with a key derived from masterKey.
func (r *Report) SealWith(masterKey []byte) error {
	sum, err := r.mac(masterKey)
	if err != nil {
		return err
	}
	r.Seal = &Seal{Algorithm: SealAlgorithm, MAC: hex.EncodeToString(sum)}
	return nil
}

// Verify checks the seal against masterKey.
func (r *Report) Verify(masterKey []byte) error {
	if r.Seal == nil {
		return ErrNotSealed
	}
	if r.Seal.Algorithm != SealAlgorithm {
		return fmt.Errorf("report: unsupported seal algorithm %q", r.Seal.Algorithm)
	}
	want, err := hex.DecodeString(r.Seal.MAC)
	if err != nil {
		return fmt.Errorf("report: malformed seal: %w", err)
	}
	got, err := r.mac(masterKey)
	if err != nil {
		return err
	}
	if !security.SecureCompare(got, want) {
		return ErrSealMismatch
	}
	return nil
}

// Encode writes the report as indented JSON.
func (r *Report) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// Decode parses and schema-validates a report document.
func Decode(data []byte) (*Report, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}

//go:embed report-v1.schema.json
var schemaJSON []byte

const schemaURL = "report-v1.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(schemaURL)
	})
	return schema, schemaErr
}

// Validate checks a JSON report document against the report schema.
func Validate(data []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("report is not JSON: %w", err)
	}
	if err := s.Validate(instance); err != nil {
		return fmt.Errorf("report schema: %w", err)
	}
	return nil
}
