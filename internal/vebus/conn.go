package vebus

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

// Conn is the subset of *dbus.Conn used by Service.
type Conn interface {
	RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error)
	ReleaseName(name string) (dbus.ReleaseNameReply, error)
	Export(v interface{}, path dbus.ObjectPath, iface string) error
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
	Close() error
}

// ConnFactory opens the bus connection for a Service.
type ConnFactory func(bus string) (Conn, error)

// Dial connects to the system bus, or the session bus when bus is "session".
func Dial(bus string) (Conn, error) {
	switch strings.ToLower(strings.TrimSpace(bus)) {
	case "", "system":
		conn, err := dbus.ConnectSystemBus()
		if err != nil {
			return nil, fmt.Errorf("vebus: connect system bus: %w", err)
		}
		return conn, nil
	case "session":
		conn, err := dbus.ConnectSessionBus()
		if err != nil {
			return nil, fmt.Errorf("vebus: connect session bus: %w", err)
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("vebus: unsupported bus %q", bus)
	}
}
