package workflow

import (
	"encoding/json"
	"fmt"
	"math"
	"net/mail"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

type FieldType string

const (
	FieldText   FieldType = "text"
	FieldEmail  FieldType = "email"
	FieldTel    FieldType = "tel"
	FieldNumber FieldType = "number"
	FieldDate   FieldType = "date"
	FieldSelect FieldType = "select"
	FieldFile   FieldType = "file"
)

// DateLayout is the wire format for date fields.
const DateLayout = "2006-01-02"

var telPattern = regexp.MustCompile(`^\+?[0-9 ().\-]{7,20}$`)

// decimalPattern admits plain decimal notation only. ParseFloat alone would
// also take "NaN", "Inf", hex floats and underscores.
var decimalPattern = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

func (t FieldType) Valid() bool {
	switch t {
	case FieldText, FieldEmail, FieldTel, FieldNumber, FieldDate, FieldSelect, FieldFile:
		return true
	}
	return false
}

// Validation narrows the accepted values of a field. Min and Max bound the
// numeric value of number fields and the rune length of text fields.
type Validation struct {
	Min     *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max     *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Pattern string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Message string   `json:"message,omitempty" yaml:"message,omitempty"`
}

type Field struct {
	ID         string      `json:"id" yaml:"id"`
	Label      string      `json:"label" yaml:"label"`
	Type       FieldType   `json:"type" yaml:"type"`
	Required   bool        `json:"required" yaml:"required"`
	Options    []string    `json:"options,omitempty" yaml:"options,omitempty"`
	Validation *Validation `json:"validation,omitempty" yaml:"validation,omitempty"`
}

// Normalize checks value against the field's type and validation rule and
// returns the form it is stored in. nil and "" clear the field. Numeric
// strings on number fields are canonicalized ("50,000 " becomes "50000");
// numbers decoded from JSON stay numbers.
func (f Field) Normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
		return "", nil
	}

	switch f.Type {
	case FieldNumber:
		return f.normalizeNumber(value)
	case FieldDate:
		return f.normalizeDate(value)
	}

	s, ok := value.(string)
	if !ok {
		return nil, f.invalid("expected text, got %T", value)
	}
	s = strings.TrimSpace(s)

	switch f.Type {
	case FieldEmail:
		addr, err := mail.ParseAddress(s)
		if err != nil || addr.Address != s {
			return nil, f.invalid("%q is not an email address", s)
		}
	case FieldTel:
		if !telPattern.MatchString(s) {
			return nil, f.invalid("%q is not a phone number", s)
		}
	case FieldSelect:
		if !slices.Contains(f.Options, s) {
			return nil, f.invalid("%q is not one of %v", s, f.Options)
		}
	case FieldText:
		if err := f.checkRange(float64(utf8.RuneCountInString(s)), "length"); err != nil {
			return nil, err
		}
	}
	if err := f.checkPattern(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (f Field) normalizeNumber(value any) (any, error) {
	var parsed float64
	var out any
	switch v := value.(type) {
	case float64:
		parsed, out = v, v
	case float32:
		parsed, out = float64(v), float64(v)
	case int:
		parsed, out = float64(v), v
	case int64:
		parsed, out = float64(v), v
	case json.Number:
		n, err := v.Float64()
		if err != nil {
			return nil, f.invalid("%q is not a number", v.String())
		}
		parsed, out = n, n
	case string:
		canonical := strings.ReplaceAll(strings.TrimSpace(v), ",", "")
		if !decimalPattern.MatchString(canonical) {
			return nil, f.invalid("%q is not a number", v)
		}
		n, err := strconv.ParseFloat(canonical, 64)
		if err != nil {
			return nil, f.invalid("%q is not a number", v)
		}
		parsed, out = n, canonical
	default:
		return nil, f.invalid("expected number, got %T", value)
	}
	if math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return nil, f.invalid("%v is not a finite number", value)
	}
	if err := f.checkRange(parsed, "value"); err != nil {
		return nil, err
	}
	return out, nil
}

func (f Field) normalizeDate(value any) (any, error) {
	switch v := value.(type) {
	case time.Time:
		return v.Format(DateLayout), nil
	case string:
		s := strings.TrimSpace(v)
		if _, err := time.Parse(DateLayout, s); err != nil {
			return nil, f.invalid("%q is not a date (YYYY-MM-DD)", v)
		}
		return s, nil
	}
	return nil, f.invalid("expected date, got %T", value)
}

func (f Field) checkRange(n float64, what string) error {
	if f.Validation == nil {
		return nil
	}
	if f.Validation.Min != nil && n < *f.Validation.Min {
		return f.invalid("%s %v is below minimum %v", what, n, *f.Validation.Min)
	}
	if f.Validation.Max != nil && n > *f.Validation.Max {
		return f.invalid("%s %v is above maximum %v", what, n, *f.Validation.Max)
	}
	return nil
}

func (f Field) checkPattern(s string) error {
	if f.Validation == nil || f.Validation.Pattern == "" {
		return nil
	}
	re, err := regexp.Compile(f.Validation.Pattern)
	if err != nil {
		return f.invalid("field pattern does not compile: %v", err)
	}
	if !re.MatchString(s) {
		return f.invalid("%q does not match %s", s, f.Validation.Pattern)
	}
	return nil
}

func (f Field) invalid(format string, args ...any) error {
	if f.Validation != nil && f.Validation.Message != "" {
		return fmt.Errorf("%w: %s", ErrInvalidValue, f.Validation.Message)
	}
	return fmt.Errorf("%w: %s", ErrInvalidValue, fmt.Sprintf(format, args...))
}

// HasValue reports whether v counts as an answer for required checks.
func HasValue(v any) bool {
	if v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) != ""
	}
	return true
}
