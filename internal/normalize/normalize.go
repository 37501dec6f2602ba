// Package normalize converts raw HR values into the shapes the downstream
// API expects: formatted documents, ISO dates, canonical gender codes.
// Inputs arrive as whatever database/sql produced (string, []byte, int64,
// float64, time.Time, nil), so every function takes any and degrades to
// the empty value instead of failing.
package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Digits strips everything but 0-9 from the string form of v.
func Digits(v any) string {
	var b strings.Builder
	for _, r := range stringify(v) {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FormatCPF renders a CPF as 000.000.000-00, left-padding short numeric
// values with zeros. Values that do not reduce to 11 digits come back as
// bare digits; empty input yields "".
func FormatCPF(v any) string {
	d := Digits(v)
	if d == "" {
		return ""
	}
	if len(d) < 11 {
		d = strings.Repeat("0", 11-len(d)) + d
	}
	if len(d) != 11 {
		return d
	}
	return d[0:3] + "." + d[3:6] + "." + d[6:9] + "-" + d[9:11]
}

// CPFDigits returns the CPF as 11 bare digits, zero-padded. Oversized
// values come back untouched so the caller can see the bad data.
func CPFDigits(v any) string {
	d := Digits(v)
	if d == "" {
		return ""
	}
	if len(d) < 11 {
		d = strings.Repeat("0", 11-len(d)) + d
	}
	return d
}

// FormatCNPJ renders a CNPJ as 00.000.000/0000-00, left-padding short
// numeric values with zeros.
func FormatCNPJ(v any) string {
	d := Digits(v)
	if d == "" {
		return ""
	}
	if len(d) < 14 {
		d = strings.Repeat("0", 14-len(d)) + d
	}
	if len(d) != 14 {
		return d
	}
	return d[0:2] + "." + d[2:5] + "." + d[5:8] + "/" + d[8:12] + "-" + d[12:14]
}

// ToISODate renders v as YYYY-MM-DD. Accepts time.Time and the string
// layouts the HR database emits; anything unparseable yields "".
func ToISODate(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case time.Time:
		return t.Format("2006-01-02")
	case *time.Time:
		if t == nil {
			return ""
		}
		return t.Format("2006-01-02")
	}

	s := strings.TrimSpace(stringify(v))
	if s == "" {
		return ""
	}
	for _, layout := range []string{
		"2006-01-02",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"02/01/2006",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	// Timestamps with fractional seconds still start with the date.
	if len(s) >= 10 {
		if t, err := time.Parse("2006-01-02", s[:10]); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return ""
}

// ToBool coerces the usual database and env spellings of truth.
func ToBool(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	}
	switch strings.ToLower(strings.TrimSpace(stringify(v))) {
	case "1", "true", "t", "sim", "s", "yes", "y", "on":
		return true
	}
	return false
}

// MapGender maps the HR gender code (1 male, 2 female) onto the API's
// closed set {M, F, Outro}.
func MapGender(v any) string {
	switch strings.ToLower(strings.TrimSpace(stringify(v))) {
	case "1", "m", "masculino":
		return "M"
	case "2", "f", "feminino":
		return "F"
	case "":
		return "Outro"
	}
	return "Outro"
}

// Truncate cuts s to at most max runes. Persisted error and summary
// columns are bounded, so everything written there passes through here.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case time.Time:
		return t.Format("2006-01-02 15:04:05")
	default:
		return fmt.Sprint(v)
	}
}
