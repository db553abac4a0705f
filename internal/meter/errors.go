package meter

import "fmt"

// MissingReadingError reports a key the derivation needs but the store lacks.
type MissingReadingError struct {
	Key string
}

func (e *MissingReadingError) Error() string {
	return fmt.Sprintf("meter: missing reading %q", e.Key)
}

// InvalidReadingError reports a key whose stored value cannot be used in
// the derivation (a non-numeric payload or a zero voltage).
type InvalidReadingError struct {
	Key   string
	Value Value
}

func (e *InvalidReadingError) Error() string {
	return fmt.Sprintf("meter: invalid reading %q: %s", e.Key, describe(e.Value))
}
