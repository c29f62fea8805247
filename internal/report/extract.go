// Package report extracts structured scan reports from free-text engine
// output and renders them for delivery.
package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/ashureev/threatwatch/internal/domain"
)

const fence = "```"

// StripFence removes a single leading fenced code block marker and the
// matching closing fence. Labeled (```json) and unlabeled fences are
// accepted; text without a leading fence is only trimmed.
func StripFence(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, fence) {
		return text
	}

	body := text[len(fence):]
	if len(body) >= 4 && strings.EqualFold(body[:4], "json") {
		body = body[4:]
	}
	// Drop any other info string on the fence line.
	if line, rest, ok := strings.Cut(body, "\n"); ok && isFenceLabel(line) {
		body = rest
	} else if isFenceLabel(body) {
		body = ""
	}

	if inner, _, ok := strings.Cut(body, fence); ok {
		body = inner
	}
	return strings.TrimSpace(body)
}

func isFenceLabel(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return true
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '+') {
			return false
		}
	}
	return true
}

// Extraction is a successfully parsed report together with the cleaned
// JSON document it was decoded from. Document is authoritative; Report is
// filled in as far as the document matches the ScanReport shape.
type Extraction struct {
	Report   *domain.ScanReport
	Document json.RawMessage
}

// Extract parses raw engine output as JSON. Any well-formed document is
// accepted; on failure it returns a *domain.MalformedReportError carrying
// the raw text.
func Extract(raw string) (*Extraction, error) {
	cleaned := StripFence(raw)
	if cleaned == "" {
		return nil, &domain.MalformedReportError{Raw: raw, Err: errors.New("empty output")}
	}

	var parsed any
	dec := json.NewDecoder(strings.NewReader(cleaned))
	if err := dec.Decode(&parsed); err != nil {
		return nil, &domain.MalformedReportError{Raw: raw, Err: err}
	}
	if dec.More() {
		return nil, &domain.MalformedReportError{Raw: raw, Err: errors.New("trailing data after JSON document")}
	}

	var doc bytes.Buffer
	if err := json.Compact(&doc, []byte(cleaned)); err != nil {
		return nil, &domain.MalformedReportError{Raw: raw, Err: err}
	}

	return &Extraction{Report: decodeLoose(doc.Bytes()), Document: doc.Bytes()}, nil
}

// decodeLoose fills a ScanReport from a well-formed document, skipping
// fields whose JSON type does not match.
func decodeLoose(doc []byte) *domain.ScanReport {
	var report domain.ScanReport
	if err := json.Unmarshal(doc, &report); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return &domain.ScanReport{}
		}
	}
	return &report
}

// Fallback wraps unparsed output so it can still be stored and returned.
func Fallback(raw string) *Extraction {
	report := &domain.ScanReport{RawOutput: raw}
	// Marshal of a single string field cannot fail.
	doc, _ := json.Marshal(map[string]string{"rawOutput": raw})
	return &Extraction{Report: report, Document: doc}
}

// ExtractOrFallback returns the parsed report, or the fallback wrapper and
// the extraction error when parsing fails.
func ExtractOrFallback(raw string) (*Extraction, error) {
	ext, err := Extract(raw)
	if err != nil {
		return Fallback(raw), err
	}
	return ext, nil
}

// Decode parses a stored report document. Fields that do not match the
// ScanReport shape are left empty; only invalid JSON is an error.
func Decode(doc json.RawMessage) (*domain.ScanReport, error) {
	if !json.Valid(doc) {
		return nil, errors.New("stored report is not valid JSON")
	}
	return decodeLoose(doc), nil
}
