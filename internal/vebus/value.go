package vebus

import (
	"fmt"
	"math"

	"github.com/godbus/dbus/v5"
)

// invalidText is shown by readers for unavailable values.
const invalidText = "---"

// Formatter renders a value for GetText. It is never called with nil.
type Formatter func(v any) string

// Watts renders integral power.
func Watts(v any) string { return fmt.Sprintf("%dW", toInt(v)) }

// Amps renders current with two decimals.
func Amps(v any) string { return fmt.Sprintf("%.2fA", toFloat(v)) }

// Volts renders voltage with one decimal.
func Volts(v any) string { return fmt.Sprintf("%.1fV", toFloat(v)) }

// KilowattHours renders energy with one decimal.
func KilowattHours(v any) string { return fmt.Sprintf("%.1fkWh", toFloat(v)) }

// Prefixed renders v after prefix, e.g. "v1.02" for firmware versions.
func Prefixed(prefix string) Formatter {
	return func(v any) string { return prefix + fmt.Sprint(v) }
}

// wrap converts a Go value into the variant published on the bus. nil
// becomes the empty int array that marks a value invalid.
func wrap(v any) dbus.Variant {
	switch t := v.(type) {
	case nil:
		return dbus.MakeVariant([]int32{})
	case int:
		return wrapInt(int64(t))
	case int32:
		return dbus.MakeVariant(t)
	case int64:
		return wrapInt(t)
	case uint8:
		return dbus.MakeVariant(int32(t))
	case float32:
		return dbus.MakeVariant(float64(t))
	case bool:
		if t {
			return dbus.MakeVariant(int32(1))
		}
		return dbus.MakeVariant(int32(0))
	case dbus.Variant:
		return t
	default:
		return dbus.MakeVariant(v)
	}
}

func wrapInt(v int64) dbus.Variant {
	if v >= math.MinInt32 && v <= math.MaxInt32 {
		return dbus.MakeVariant(int32(v))
	}
	return dbus.MakeVariant(v)
}

func text(v any, format Formatter) string {
	if v == nil {
		return invalidText
	}
	if format != nil {
		return format(v)
	}
	return fmt.Sprint(v)
}

func toInt(v any) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return math.NaN()
	}
}
