// Package vebus exports values on D-Bus following the Victron Energy
// BusItem conventions used by Venus OS.
package vebus

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

// BusItemInterface is the interface implemented by every exported path.
const BusItemInterface = "com.victronenergy.BusItem"

// Change sets Path to Value. A nil Value marks the path unavailable.
type Change struct {
	Path  string
	Value any
}

type item struct {
	path   string
	value  any
	format Formatter
}

// Service owns a well-known bus name and the tree of paths below it.
type Service struct {
	name   string
	conn   Conn
	logger zerolog.Logger

	mu         sync.RWMutex
	items      map[string]*item
	registered bool
}

// NewService prepares a service on conn. The bus name is only requested by
// Register, so readers never observe a partially built tree.
func NewService(conn Conn, name string, logger zerolog.Logger) (*Service, error) {
	if conn == nil {
		return nil, errors.New("vebus: connection must not be nil")
	}
	if name == "" {
		return nil, errors.New("vebus: service name must not be empty")
	}
	s := &Service{
		name:   name,
		conn:   conn,
		logger: logger,
		items:  make(map[string]*item),
	}
	if err := conn.Export(&rootObject{svc: s}, "/", BusItemInterface); err != nil {
		return nil, fmt.Errorf("vebus: export root: %w", err)
	}
	return s, nil
}

// Name returns the well-known bus name.
func (s *Service) Name() string { return s.name }

// AddPath exports path with an initial value.
func (s *Service) AddPath(path string, value any, format Formatter) error {
	if !strings.HasPrefix(path, "/") || path == "/" {
		return fmt.Errorf("vebus: invalid path %q", path)
	}
	s.mu.Lock()
	if _, exists := s.items[path]; exists {
		s.mu.Unlock()
		return fmt.Errorf("vebus: path %s already added", path)
	}
	it := &item{path: path, value: value, format: format}
	s.items[path] = it
	s.mu.Unlock()

	if err := s.conn.Export(&itemObject{svc: s, path: path}, dbus.ObjectPath(path), BusItemInterface); err != nil {
		s.mu.Lock()
		delete(s.items, path)
		s.mu.Unlock()
		return fmt.Errorf("vebus: export %s: %w", path, err)
	}
	return nil
}

// Register claims the bus name.
func (s *Service) Register() error {
	reply, err := s.conn.RequestName(s.name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("vebus: request name %s: %w", s.name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner && reply != dbus.RequestNameReplyAlreadyOwner {
		return fmt.Errorf("vebus: name %s already taken", s.name)
	}
	s.mu.Lock()
	s.registered = true
	s.mu.Unlock()
	s.logger.Info().Str("service", s.name).Msg("registered on dbus")
	return nil
}

// Value returns the current value of path.
func (s *Service) Value(path string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[path]
	if !ok {
		return nil, false
	}
	return it.value, true
}

// Text returns the formatted value of path.
func (s *Service) Text(path string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[path]
	if !ok {
		return "", false
	}
	return text(it.value, it.format), true
}

// Update applies changes as one batch. Paths whose value did not change are
// not signalled.
func (s *Service) Update(changes []Change) error {
	type signal struct {
		path  string
		value dbus.Variant
		text  string
	}
	s.mu.Lock()
	for _, c := range changes {
		if _, ok := s.items[c.Path]; !ok {
			s.mu.Unlock()
			return fmt.Errorf("vebus: unknown path %s", c.Path)
		}
	}
	signals := make([]signal, 0, len(changes))
	for _, c := range changes {
		it := s.items[c.Path]
		if reflect.DeepEqual(it.value, c.Value) {
			continue
		}
		it.value = c.Value
		signals = append(signals, signal{path: it.path, value: wrap(it.value), text: text(it.value, it.format)})
	}
	s.mu.Unlock()

	if len(signals) == 0 {
		return nil
	}
	var errs []error
	batch := make(map[string]map[string]dbus.Variant, len(signals))
	for _, sig := range signals {
		props := map[string]dbus.Variant{
			"Value": sig.value,
			"Text":  dbus.MakeVariant(sig.text),
		}
		batch[sig.path] = props
		if err := s.conn.Emit(dbus.ObjectPath(sig.path), BusItemInterface+".PropertiesChanged", props); err != nil {
			errs = append(errs, fmt.Errorf("vebus: signal %s: %w", sig.path, err))
		}
	}
	if err := s.conn.Emit("/", BusItemInterface+".ItemsChanged", batch); err != nil {
		errs = append(errs, fmt.Errorf("vebus: signal items changed: %w", err))
	}
	return errors.Join(errs...)
}

// Close releases the bus name and the connection.
func (s *Service) Close() error {
	s.mu.Lock()
	registered := s.registered
	s.registered = false
	s.mu.Unlock()

	var errs []error
	if registered {
		if _, err := s.conn.ReleaseName(s.name); err != nil {
			errs = append(errs, fmt.Errorf("vebus: release name: %w", err))
		}
	}
	if err := s.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("vebus: close connection: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Service) paths() []string {
	paths := make([]string, 0, len(s.items))
	for path := range s.items {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

type itemObject struct {
	svc  *Service
	path string
}

func (o *itemObject) GetValue() (dbus.Variant, *dbus.Error) {
	v, _ := o.svc.Value(o.path)
	return wrap(v), nil
}

func (o *itemObject) GetText() (string, *dbus.Error) {
	t, _ := o.svc.Text(o.path)
	return t, nil
}

// SetValue rejects writes; every path of this service is read-only.
func (o *itemObject) SetValue(dbus.Variant) (int32, *dbus.Error) {
	return 1, nil
}

type rootObject struct {
	svc *Service
}

func (o *rootObject) GetValue() (dbus.Variant, *dbus.Error) {
	o.svc.mu.RLock()
	defer o.svc.mu.RUnlock()
	values := make(map[string]dbus.Variant, len(o.svc.items))
	for _, path := range o.svc.paths() {
		values[strings.TrimPrefix(path, "/")] = wrap(o.svc.items[path].value)
	}
	return dbus.MakeVariant(values), nil
}

func (o *rootObject) GetText() (dbus.Variant, *dbus.Error) {
	o.svc.mu.RLock()
	defer o.svc.mu.RUnlock()
	texts := make(map[string]string, len(o.svc.items))
	for _, path := range o.svc.paths() {
		it := o.svc.items[path]
		texts[strings.TrimPrefix(path, "/")] = text(it.value, it.format)
	}
	return dbus.MakeVariant(texts), nil
}

func (o *rootObject) GetItems() (map[string]map[string]dbus.Variant, *dbus.Error) {
	o.svc.mu.RLock()
	defer o.svc.mu.RUnlock()
	items := make(map[string]map[string]dbus.Variant, len(o.svc.items))
	for _, path := range o.svc.paths() {
		it := o.svc.items[path]
		items[path] = map[string]dbus.Variant{
			"Value": wrap(it.value),
			"Text":  dbus.MakeVariant(text(it.value, it.format)),
		}
	}
	return items, nil
}
