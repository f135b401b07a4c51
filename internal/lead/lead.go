// Package lead decodes the structured lead object produced by the
// extraction prompt and renders the outreach prompt from it.
package lead

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/template"
)

// Tone is the recommended outreach register.
type Tone string

const (
	ToneFormal   Tone = "formal"
	ToneCasual   Tone = "casual"
	ToneFriendly Tone = "friendly"
)

// Field names emitted by the extraction prompt.
const (
	FieldCompanyName   = "company_name"
	FieldLocation      = "location"
	FieldIndustry      = "industry"
	FieldYearFounded   = "year_founded"
	FieldCompanyAge    = "company_age"
	FieldContactName   = "contact_name"
	FieldContactPos    = "contact_position"
	FieldContactEmail  = "contact_email"
	FieldWebsite       = "website"
	FieldFitScore      = "business_fit_score"
	FieldSummary       = "summary"
	FieldHealthcare    = "is_healthcare_related"
	FieldKeyTechFocus  = "key_tech_focus"
	FieldOutreachTone  = "recommended_outreach_tone"
	unknownPlaceholder = "unknown"
)

// ErrEmpty is returned when the model produced no usable object.
var ErrEmpty = errors.New("lead: empty extraction")

// Lead is the extraction object exactly as the model returned it. It is
// kept as a map so the audit log records it verbatim.
type Lead map[string]any

// Parse decodes model output into a Lead. Surrounding whitespace and a
// Markdown code fence are tolerated. An empty object is ErrEmpty.
func Parse(content string) (Lead, error) {
	body := stripFence(strings.TrimSpace(content))
	if body == "" {
		return nil, ErrEmpty
	}
	var l Lead
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&l); err != nil {
		return nil, fmt.Errorf("lead: decode: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("lead: trailing data after object")
	}
	if len(l) == 0 {
		return nil, ErrEmpty
	}
	return l, nil
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		return ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// String returns field as text; null or missing fields report ok=false.
func (l Lead) String(field string) (string, bool) {
	v, present := l[field]
	if !present || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return "", false
		}
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

// Int returns an integer field.
func (l Lead) Int(field string) (int64, bool) {
	switch t := l[field].(type) {
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	case float64:
		return int64(t), t == float64(int64(t))
	default:
		return 0, false
	}
}

// Tone returns the recommended tone, defaulting to friendly when the model
// gave none or something unrecognized.
func (l Lead) Tone() Tone {
	s, _ := l.String(FieldOutreachTone)
	switch Tone(strings.ToLower(strings.TrimSpace(s))) {
	case ToneFormal:
		return ToneFormal
	case ToneCasual:
		return ToneCasual
	default:
		return ToneFriendly
	}
}

// JSON renders the lead indented for display.
func (l Lead) JSON() string {
	b, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

type outreachData struct {
	CompanyName string
	Summary     string
	ContactName string
	Tone        Tone
}

// RenderOutreach fills tmpl with the lead's company, summary, contact and
// tone. Missing values render as "unknown".
func RenderOutreach(tmpl string, l Lead) (string, error) {
	t, err := template.New("outreach").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("lead: parse outreach template: %w", err)
	}
	data := outreachData{
		CompanyName: l.orUnknown(FieldCompanyName),
		Summary:     l.orUnknown(FieldSummary),
		ContactName: l.orUnknown(FieldContactName),
		Tone:        l.Tone(),
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("lead: render outreach template: %w", err)
	}
	return buf.String(), nil
}

func (l Lead) orUnknown(field string) string {
	if s, ok := l.String(field); ok {
		return s
	}
	return unknownPlaceholder
}
