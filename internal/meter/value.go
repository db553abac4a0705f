package meter

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind tags the variant stored in a Value.
type Kind uint8

const (
	// KindNumber holds a floating point reading.
	KindNumber Kind = iota + 1
	// KindInteger holds an integral reading.
	KindInteger
	// KindText holds a payload that did not parse as a number.
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindInteger:
		return "integer"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// Value is a decoded MQTT payload.
type Value struct {
	kind Kind
	num  float64
	i    int64
	text string
}

// Number wraps a floating point reading.
func Number(v float64) Value { return Value{kind: KindNumber, num: v} }

// Integer wraps an integral reading.
func Integer(v int64) Value { return Value{kind: KindInteger, i: v} }

// Text wraps a payload kept verbatim.
func Text(v string) Value { return Value{kind: KindText, text: v} }

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// Float returns the numeric reading as float64. Text values report false.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindInteger:
		return float64(v.i), true
	default:
		return 0, false
	}
}

// Int returns the integral reading. Only KindInteger reports true.
func (v Value) Int() (int64, bool) {
	if v.kind != KindInteger {
		return 0, false
	}
	return v.i, true
}

// Str returns the text payload. Only KindText reports true.
func (v Value) Str() (string, bool) {
	if v.kind != KindText {
		return "", false
	}
	return v.text, true
}

func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindText:
		return strconv.Quote(v.text)
	default:
		return "<nil>"
	}
}

// Decode converts a raw payload into a Value.
//
// Payloads containing a dot are parsed as floats, everything else as
// integers. When the chosen parse fails the raw text is kept, so "1.2.3"
// or "1e5" end up as Text rather than being rejected.
func Decode(payload []byte) Value {
	raw := string(payload)
	text := strings.TrimSpace(raw)
	if strings.Contains(raw, ".") {
		if hexPrefixed(text) {
			return Text(raw)
		}
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			return Number(f)
		}
		return Text(raw)
	}
	if i, err := strconv.ParseInt(text, 10, 64); err == nil {
		return Integer(i)
	}
	return Text(raw)
}

// hexPrefixed reports a 0x prefix after an optional sign. ParseFloat accepts
// hexadecimal floats, which meters never send.
func hexPrefixed(s string) bool {
	s = strings.TrimLeft(s, "+-")
	return strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")
}

func describe(v Value) string {
	return fmt.Sprintf("%s %s", v.kind, v)
}
