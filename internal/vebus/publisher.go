package vebus

import (
	"fmt"

	"github.com/timzifer/smartmeter-bridge/internal/meter"
)

// Identity is the static device metadata exported once at startup.
type Identity struct {
	ProcessName     string
	ProcessVersion  string
	Connection      string
	DeviceInstance  int
	ProductID       int
	ProductName     string
	FirmwareVersion string
	HardwareVersion string
	Serial          string
	ServiceName     string
}

// AddIdentity exports the management and device paths described by id.
func AddIdentity(svc *Service, id Identity) error {
	paths := []struct {
		path   string
		value  any
		format Formatter
	}{
		{"/Mgmt/ProcessName", id.ProcessName, nil},
		{"/Mgmt/ProcessVersion", id.ProcessVersion, nil},
		{"/Mgmt/Connection", id.Connection, nil},
		{"/DeviceInstance", id.DeviceInstance, nil},
		{"/ProductId", id.ProductID, nil},
		{"/ProductName", id.ProductName, nil},
		{"/FirmwareVersion", id.FirmwareVersion, Prefixed("v")},
		{"/HardwareVersion", optional(id.HardwareVersion), nil},
		{"/Serial", optional(id.Serial), nil},
		{"/Connected", 1, nil},
		{"/Devices/0/DeviceInstance", id.DeviceInstance, nil},
		{"/Devices/0/FirmwareVersion", id.FirmwareVersion, nil},
		{"/Devices/0/ProductId", id.ProductID, nil},
		{"/Devices/0/ProductName", id.ProductName, nil},
		{"/Devices/0/ServiceName", id.ServiceName, nil},
		{"/Devices/0/VregLink", "(API)", nil},
	}
	for _, p := range paths {
		if err := svc.AddPath(p.path, p.value, p.format); err != nil {
			return err
		}
	}
	return nil
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// FormatterFor returns the text formatter of a meter quantity.
func FormatterFor(q meter.Quantity) Formatter {
	switch q {
	case meter.QuantityPower:
		return Watts
	case meter.QuantityCurrent:
		return Amps
	case meter.QuantityEnergy:
		return KilowattHours
	case meter.QuantityVoltage:
		return Volts
	default:
		return nil
	}
}

// Publisher writes derived meter readings to the grid meter paths.
type Publisher struct {
	svc *Service
}

// NewPublisher exports the twelve meter leaves, initially unavailable.
func NewPublisher(svc *Service) (*Publisher, error) {
	for _, leaf := range meter.LeafPaths() {
		if err := svc.AddPath(leaf.Path, nil, FormatterFor(leaf.Quantity)); err != nil {
			return nil, fmt.Errorf("vebus: add meter path: %w", err)
		}
	}
	return &Publisher{svc: svc}, nil
}

// Publish implements meter.Publisher.
func (p *Publisher) Publish(r meter.Readings) error {
	leaves := r.Leaves()
	changes := make([]Change, len(leaves))
	for i, leaf := range leaves {
		changes[i] = Change{Path: leaf.Path, Value: leaf.Value}
	}
	return p.svc.Update(changes)
}
