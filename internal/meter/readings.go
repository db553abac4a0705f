package meter

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Phases is the number of AC phases reported by the meter.
const Phases = 3

// Quantity identifies the physical unit carried by a leaf.
type Quantity uint8

const (
	QuantityPower Quantity = iota + 1
	QuantityCurrent
	QuantityEnergy
	QuantityVoltage
)

// Leaf paths published for every derivation cycle.
const (
	PathPower         = "/Ac/Power"
	PathCurrent       = "/Ac/Current"
	PathEnergyForward = "/Ac/Energy/Forward"
)

// PhasePath returns the leaf path of a per-phase quantity, phase being 1-based.
func PhasePath(phase int, q Quantity) string {
	switch q {
	case QuantityPower:
		return fmt.Sprintf("/Ac/L%d/Power", phase)
	case QuantityVoltage:
		return fmt.Sprintf("/Ac/L%d/Voltage", phase)
	case QuantityCurrent:
		return fmt.Sprintf("/Ac/L%d/Current", phase)
	default:
		return ""
	}
}

// PhaseReading holds the derived values of a single phase.
type PhaseReading struct {
	Power   int64
	Voltage float64
	Current float64

	// integralVoltage is set when the meter sent the voltage as an integer,
	// which is then published unchanged as an integer.
	integralVoltage bool
}

func (p PhaseReading) voltage() any {
	if p.integralVoltage {
		return int64(p.Voltage)
	}
	return p.Voltage
}

// Readings is the output of one derivation cycle. The zero value is the
// absent set that marks every leaf unavailable.
type Readings struct {
	Valid         bool
	Power         int64
	Current       float64
	EnergyForward float64
	Phases        [Phases]PhaseReading
}

// Absent returns the reading set published once data went stale.
func Absent() Readings { return Readings{} }

// Leaf is a single named output value. Value is nil when unavailable.
type Leaf struct {
	Path     string
	Quantity Quantity
	Value    any
}

// LeafPaths lists the fixed output paths in publication order.
func LeafPaths() []Leaf {
	return Absent().Leaves()
}

// Leaves flattens r into the fixed list of twelve leaf values.
func (r Readings) Leaves() []Leaf {
	leaves := make([]Leaf, 0, 3+3*Phases)
	add := func(path string, q Quantity, v any) {
		if !r.Valid {
			v = nil
		}
		leaves = append(leaves, Leaf{Path: path, Quantity: q, Value: v})
	}
	add(PathPower, QuantityPower, r.Power)
	add(PathCurrent, QuantityCurrent, r.Current)
	add(PathEnergyForward, QuantityEnergy, r.EnergyForward)
	for i := range r.Phases {
		add(PhasePath(i+1, QuantityPower), QuantityPower, r.Phases[i].Power)
	}
	for i := range r.Phases {
		add(PhasePath(i+1, QuantityVoltage), QuantityVoltage, r.Phases[i].voltage())
	}
	for i := range r.Phases {
		add(PhasePath(i+1, QuantityCurrent), QuantityCurrent, r.Phases[i].Current)
	}
	return leaves
}

// Store keys read by Derive.
const (
	KeyEnergyTariff1 = "energy_delivered_tariff1"
	KeyEnergyTariff2 = "energy_delivered_tariff2"
)

func keyReturned(phase int) string  { return fmt.Sprintf("power_returned_l%d", phase) }
func keyDelivered(phase int) string { return fmt.Sprintf("power_delivered_l%d", phase) }
func keyVoltage(phase int) string   { return fmt.Sprintf("voltage_l%d", phase) }

// RequiredKeys lists every reading a derivation cycle reads.
func RequiredKeys() []string {
	keys := make([]string, 0, 3*Phases+2)
	for phase := 1; phase <= Phases; phase++ {
		keys = append(keys, keyReturned(phase), keyDelivered(phase), keyVoltage(phase))
	}
	return append(keys, KeyEnergyTariff1, KeyEnergyTariff2)
}

// Derive computes the published reading set from the raw meter readings.
//
// A phase reporting returned power (non-zero at three decimals) is exporting
// and yields negative watts; otherwise delivered power is used. The aggregate
// current is the plain sum of the already rounded phase currents.
func Derive(store map[string]Value) (Readings, error) {
	out := Readings{Valid: true}
	for i := range out.Phases {
		phase := i + 1
		returned, err := numeric(store, keyReturned(phase))
		if err != nil {
			return Readings{}, err
		}
		delivered, err := numeric(store, keyDelivered(phase))
		if err != nil {
			return Readings{}, err
		}
		voltage, err := numeric(store, keyVoltage(phase))
		if err != nil {
			return Readings{}, err
		}
		if voltage == 0 {
			return Readings{}, &InvalidReadingError{Key: keyVoltage(phase), Value: store[keyVoltage(phase)]}
		}

		var power int64
		if roundHalfEven(returned, 3) > 0 {
			power = toWatts(returned, -1000)
		} else {
			power = toWatts(delivered, 1000)
		}
		current := roundHalfEven(float64(power)/voltage, 2)

		_, integral := store[keyVoltage(phase)].Int()
		out.Phases[i] = PhaseReading{Power: power, Voltage: voltage, Current: current, integralVoltage: integral}
		out.Power += power
		out.Current += current
	}

	t1, err := numeric(store, KeyEnergyTariff1)
	if err != nil {
		return Readings{}, err
	}
	t2, err := numeric(store, KeyEnergyTariff2)
	if err != nil {
		return Readings{}, err
	}
	out.EnergyForward = roundHalfEven(t1+t2, 2)
	return out, nil
}

func numeric(store map[string]Value, key string) (float64, error) {
	v, ok := store[key]
	if !ok {
		return 0, &MissingReadingError{Key: key}
	}
	f, ok := v.Float()
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &InvalidReadingError{Key: key, Value: v}
	}
	return f, nil
}

// roundHalfEven rounds the shortest decimal representation of v, so 0.0005
// rounds to 0.000 at three places.
func roundHalfEven(v float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(v).RoundBank(places).Float64()
	return f
}

// toWatts scales a kW reading by factor and rounds to whole watts.
func toWatts(kw float64, factor int64) int64 {
	return decimal.NewFromFloat(kw).Mul(decimal.NewFromInt(factor)).Round(0).IntPart()
}
