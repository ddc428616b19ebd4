package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/knoguchi/tendersense/internal/llm"
	"github.com/knoguchi/tendersense/internal/tender"
)

// SchemaName labels the output schema for backends that require one.
const SchemaName = "ExtractionOut"

// Schema is the JSON Schema hint sent to backends with structured output.
var Schema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "deadline": {"type": ["string", "null"], "description": "ISO-8601 submission deadline"},
    "cpv": {"type": "array", "items": {"type": "string", "pattern": "^\\d{8}(-\\d)?$"}},
    "requirements": {"type": "array", "items": {"type": "string", "minLength": 3, "maxLength": 400}}
  },
  "required": ["deadline", "cpv", "requirements"]
}`)

// document is the wire shape of a backend reply.
type document struct {
	Deadline     *string  `json:"deadline"`
	CPV          []string `json:"cpv" validate:"dive,cpv"`
	Requirements []string `json:"requirements" validate:"dive,min=3,max=400"`
}

// canonical is the re-serialised form returned next to an Extraction.
type canonical struct {
	Deadline     *string  `json:"deadline"`
	CPV          []string `json:"cpv"`
	Requirements []string `json:"requirements"`
}

// parse decodes and validates raw. The error text is suitable for a repair prompt.
func parse(v *validator.Validate, raw string) (tender.Extraction, error) {
	body := llm.StripCodeFence(raw)

	if !json.Valid([]byte(body)) {
		return tender.Extraction{}, errors.New("invalid JSON: reply is not a parseable JSON document")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &obj); err != nil {
		return tender.Extraction{}, fmt.Errorf("expected a JSON object: %w", err)
	}
	if obj == nil {
		return tender.Extraction{}, errors.New("expected a JSON object, got null")
	}

	var doc document
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return tender.Extraction{}, fmt.Errorf("schema violation: %w", err)
	}
	doc.CPV = dedupe(doc.CPV)

	if err := v.Struct(doc); err != nil {
		return tender.Extraction{}, describeValidation(err)
	}

	out := tender.Extraction{
		CPV:          nonNil(doc.CPV),
		Requirements: nonNil(doc.Requirements),
	}
	if doc.Deadline != nil && strings.TrimSpace(*doc.Deadline) != "" {
		t, err := tender.ParseTime(*doc.Deadline)
		if err != nil {
			return tender.Extraction{}, fmt.Errorf("deadline: %q is not an ISO-8601 datetime", *doc.Deadline)
		}
		out.Deadline = &t
	}
	return out, nil
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Namespace())
		field = strings.TrimPrefix(field, "document.")
		switch fe.Tag() {
		case "cpv":
			msgs = append(msgs, fmt.Sprintf("%s: %q must match ^\\d{8}(-\\d)?$", field, fe.Value()))
		case "min", "max":
			msgs = append(msgs, fmt.Sprintf("%s: length must be between 3 and 400 characters", field))
		default:
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Canonical serialises e in the wire shape with RFC 3339 deadlines.
func Canonical(e tender.Extraction) string {
	c := canonical{
		CPV:          nonNil(e.CPV),
		Requirements: nonNil(e.Requirements),
	}
	if e.Deadline != nil {
		s := e.Deadline.Format(time.RFC3339)
		c.Deadline = &s
	}
	b, _ := json.Marshal(c)
	return string(b)
}

// dedupe trims codes and drops repeats, keeping first-seen order.
func dedupe(codes []string) []string {
	if codes == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
