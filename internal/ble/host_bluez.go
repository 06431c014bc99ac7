//go:build linux

package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
)

const (
	bluezBus            = "org.bluez"
	bluezAdapter1       = "org.bluez.Adapter1"
	bluezDevice1        = "org.bluez.Device1"
	bluezGattService1   = "org.bluez.GattService1"
	bluezGattChar1      = "org.bluez.GattCharacteristic1"
	bluezLEAdvert1      = "org.bluez.LEAdvertisement1"
	dbusObjectManager   = "org.freedesktop.DBus.ObjectManager"
	dbusPropertiesIface = "org.freedesktop.DBus.Properties"

	bluezAppPath    = dbus.ObjectPath("/org/bleserver")
	bluezAdvertPath = dbus.ObjectPath("/org/bleserver/advertisement0")

	// PropertiesChanged body positions.
	sigChangedInterface = 0
	sigChangedDict      = 1
)

var errBlueZNotEnabled = errors.New("ble: bluez host not initialized")

// BlueZHost runs the peripheral through the BlueZ daemon over the D-Bus
// system bus. The GATT application and the advertisement are exported
// as D-Bus objects and registered with the adapter.
//
// BlueZ does not expose ATT handles, so handles are synthesized in
// database order: service at 1, then a declaration and value handle per
// characteristic.
//
// Only devices under the configured adapter are considered. A device that
// connects while advertising is active and looks like an LE device is
// taken as the central. Any other connected device on the adapter is held
// as pending until it touches the GATT application.
type BlueZHost struct {
	adapterID   string
	adapterPath dbus.ObjectPath
	log         *slog.Logger

	// lookupDevice fetches org.bluez.Device1 properties for a device path.
	lookupDevice func(dbus.ObjectPath) (map[string]dbus.Variant, error)

	bus     *dbus.Conn
	adapter dbus.BusObject

	mu         sync.Mutex
	access     AccessHandler
	objects    map[dbus.ObjectPath]prop.Map
	chars      map[AttrHandle]*bluezChar
	registered bool
	advert     *prop.Properties
	advActive  bool
	onEvent    func(Event)
	sigCh      chan *dbus.Signal
	conns      map[dbus.ObjectPath]ConnHandle
	pending    map[dbus.ObjectPath]bool
	nextConn   ConnHandle
	current    ConnHandle
}

// NewBlueZHost creates a host bound to the named BlueZ adapter, e.g. "hci0".
func NewBlueZHost(adapterID string, logger *slog.Logger) *BlueZHost {
	if adapterID == "" {
		adapterID = "hci0"
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &BlueZHost{
		adapterID:   adapterID,
		adapterPath: dbus.ObjectPath("/org/bluez/" + adapterID),
		log:         logger,
	}
	h.lookupDevice = h.busDeviceProps
	return h
}

// Compile-time check that BlueZHost implements Host.
var _ Host = (*BlueZHost)(nil)

func (h *BlueZHost) Init() error {
	// Private connection: Deinit closes it.
	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("ble: connect system bus: %w", err)
	}

	adapter := bus.Object(bluezBus, h.adapterPath)
	if err := adapter.SetProperty(bluezAdapter1+".Powered", dbus.MakeVariant(true)); err != nil {
		bus.Close()
		var derr dbus.Error
		if errors.As(err, &derr) && derr.Name == "org.freedesktop.DBus.Error.UnknownObject" {
			return fmt.Errorf("ble: adapter %s does not exist", adapter.Path())
		}
		return fmt.Errorf("ble: power on adapter %s: %w", h.adapterID, err)
	}

	h.mu.Lock()
	h.bus = bus
	h.adapter = adapter
	h.resetSession()
	h.mu.Unlock()

	h.log.Debug("[BLE] bluez adapter powered", "adapter", adapter.Path())
	return nil
}

// resetSession clears per-session state. h.mu must be held.
func (h *BlueZHost) resetSession() {
	h.objects = make(map[dbus.ObjectPath]prop.Map)
	h.chars = make(map[AttrHandle]*bluezChar)
	h.conns = make(map[dbus.ObjectPath]ConnHandle)
	h.pending = make(map[dbus.ObjectPath]bool)
	h.nextConn = 0
	h.current = 0
}

// deviceMatch selects Device1 property changes under the adapter.
func (h *BlueZHost) deviceMatch() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchInterface(dbusPropertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace(h.adapterPath),
		dbus.WithMatchArg(sigChangedInterface, bluezDevice1),
	}
}

// bluezChar is the exported GattCharacteristic1 object.
type bluezChar struct {
	host   *BlueZHost
	handle AttrHandle
	props  *prop.Properties
}

func (c *bluezChar) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	conn := c.host.connFor(options)
	data, err := c.host.accessHandler().ReadAccess(conn, c.handle)
	if err != nil {
		return nil, dbus.NewError("org.bluez.Error.NotPermitted", []interface{}{err.Error()})
	}
	return data, nil
}

func (c *bluezChar) WriteValue(value []byte, options map[string]dbus.Variant) *dbus.Error {
	conn := c.host.connFor(options)
	if err := c.host.accessHandler().WriteAccess(conn, c.handle, value); err != nil {
		return dbus.NewError("org.bluez.Error.Failed", []interface{}{err.Error()})
	}
	return nil
}

func (c *bluezChar) StartNotify() *dbus.Error {
	c.host.emit(Event{Type: EventSubscribe, Conn: c.host.notifyConn(), Attr: c.handle, Notify: true})
	return nil
}

func (c *bluezChar) StopNotify() *dbus.Error {
	c.host.emit(Event{Type: EventSubscribe, Conn: c.host.currentConn(), Attr: c.handle, Notify: false})
	return nil
}

// bluezApp answers GetManagedObjects for the registered application.
type bluezApp struct {
	host *BlueZHost
}

func (a *bluezApp) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	a.host.mu.Lock()
	defer a.host.mu.Unlock()

	out := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant, len(a.host.objects))
	for path, ifaces := range a.host.objects {
		m := make(map[string]map[string]dbus.Variant, len(ifaces))
		for iface, props := range ifaces {
			vals := make(map[string]dbus.Variant, len(props))
			for name, p := range props {
				vals[name] = dbus.MakeVariant(p.Value)
			}
			m[iface] = vals
		}
		out[path] = m
	}
	return out, nil
}

// bluezAdvert receives Release when BlueZ drops the advertisement.
type bluezAdvert struct {
	host *BlueZHost
}

func (a *bluezAdvert) Release() *dbus.Error {
	a.host.mu.Lock()
	a.host.advActive = false
	a.host.mu.Unlock()
	// Re-advertising calls back into BlueZ; do not block its method call.
	go a.host.emit(Event{Type: EventAdvertiseComplete})
	return nil
}

func bluezFlags(c Capability) []string {
	var flags []string
	if c.Has(CapRead) {
		flags = append(flags, "read")
	}
	if c.Has(CapWrite) {
		flags = append(flags, "write")
	}
	if c.Has(CapNotify) {
		flags = append(flags, "notify")
	}
	return flags
}

func (h *BlueZHost) RegisterService(svc *Service, access AccessHandler) error {
	h.mu.Lock()
	bus := h.bus
	h.mu.Unlock()
	if bus == nil {
		return errBlueZNotEnabled
	}

	svcPath := bluezAppPath + "/service0"
	objects := map[dbus.ObjectPath]prop.Map{
		svcPath: {
			bluezGattService1: {
				"UUID":    {Value: svc.UUID.Full()},
				"Primary": {Value: true},
			},
		},
	}
	chars := make(map[AttrHandle]*bluezChar, len(svc.Characteristics))

	next := AttrHandle(2)
	for i, c := range svc.Characteristics {
		charPath := svcPath + dbus.ObjectPath(fmt.Sprintf("/char%d", i))
		propMap := prop.Map{
			bluezGattChar1: {
				"UUID":    {Value: c.UUID.Full()},
				"Service": {Value: svcPath},
				"Flags":   {Value: bluezFlags(c.Caps)},
				"Value":   {Value: []byte{}, Writable: true, Emit: prop.EmitTrue},
			},
		}
		props, err := prop.Export(bus, charPath, propMap)
		if err != nil {
			return fmt.Errorf("ble: export characteristic %s: %w", c.UUID, err)
		}

		c.ValueHandle = next + 1
		next += 2
		obj := &bluezChar{host: h, handle: c.ValueHandle, props: props}
		if err := bus.Export(obj, charPath, bluezGattChar1); err != nil {
			return fmt.Errorf("ble: export characteristic %s: %w", c.UUID, err)
		}
		objects[charPath] = propMap
		chars[c.ValueHandle] = obj
	}

	if _, err := prop.Export(bus, svcPath, objects[svcPath]); err != nil {
		return fmt.Errorf("ble: export service %s: %w", svc.UUID, err)
	}
	if err := bus.Export(&bluezApp{host: h}, bluezAppPath, dbusObjectManager); err != nil {
		return fmt.Errorf("ble: export application: %w", err)
	}

	h.mu.Lock()
	h.access = access
	h.objects = objects
	h.chars = chars
	h.mu.Unlock()
	return nil
}

// Start registers the GATT application and subscribes to device
// connection changes. BlueZ is already running, so onSync fires as soon
// as registration succeeds.
func (h *BlueZHost) Start(onSync func()) error {
	h.mu.Lock()
	bus, adapter := h.bus, h.adapter
	h.mu.Unlock()
	if bus == nil {
		return errBlueZNotEnabled
	}

	call := adapter.Call("org.bluez.GattManager1.RegisterApplication", 0, bluezAppPath, map[string]dbus.Variant{})
	if call.Err != nil {
		return fmt.Errorf("ble: register application: %w", call.Err)
	}

	sigCh := make(chan *dbus.Signal, 16)
	if err := bus.AddMatchSignal(h.deviceMatch()...); err != nil {
		return fmt.Errorf("ble: add match PropertiesChanged: %w", err)
	}
	bus.Signal(sigCh)

	h.mu.Lock()
	h.registered = true
	h.sigCh = sigCh
	h.mu.Unlock()

	go h.handleSignals(sigCh)
	onSync()
	return nil
}

// handleSignals turns Device1.Connected changes on the adapter into
// connect and disconnect events.
func (h *BlueZHost) handleSignals(ch <-chan *dbus.Signal) {
	for sig := range ch {
		if !h.onAdapter(sig.Path) || len(sig.Body) <= sigChangedDict {
			continue
		}
		if iface, ok := sig.Body[sigChangedInterface].(string); !ok || iface != bluezDevice1 {
			continue
		}
		changes, ok := sig.Body[sigChangedDict].(map[string]dbus.Variant)
		if !ok {
			continue
		}
		v, ok := changes["Connected"]
		if !ok {
			continue
		}
		connected, ok := v.Value().(bool)
		if !ok {
			continue
		}

		if connected {
			h.deviceConnected(sig.Path)
		} else {
			h.deviceDisconnected(sig.Path)
		}
	}
}

func (h *BlueZHost) onAdapter(path dbus.ObjectPath) bool {
	return strings.HasPrefix(string(path), string(h.adapterPath)+"/")
}

func (h *BlueZHost) deviceConnected(path dbus.ObjectPath) {
	h.mu.Lock()
	_, known := h.conns[path]
	advertising := h.advActive
	h.mu.Unlock()
	if known {
		return
	}

	if !advertising || !h.isLE(path) {
		h.mu.Lock()
		h.pending[path] = true
		h.mu.Unlock()
		h.log.Debug("[BLE] device connected, not yet a central", "device", path)
		return
	}
	h.promote(path)
}

// promote makes path the connected central and emits the connect event.
func (h *BlueZHost) promote(path dbus.ObjectPath) ConnHandle {
	h.mu.Lock()
	delete(h.pending, path)
	if conn, ok := h.conns[path]; ok {
		h.mu.Unlock()
		return conn
	}
	h.nextConn++
	conn := h.nextConn
	h.conns[path] = conn
	h.current = conn
	active := h.advActive
	h.mu.Unlock()

	// A connection ends the advertising session.
	if active {
		if err := h.AdvertiseStop(); err != nil {
			h.log.Debug("[BLE] unregister advertisement on connect", "error", err)
		}
	}
	h.emit(Event{Type: EventConnect, Conn: conn})
	return conn
}

func (h *BlueZHost) deviceDisconnected(path dbus.ObjectPath) {
	h.mu.Lock()
	delete(h.pending, path)
	conn, ok := h.conns[path]
	delete(h.conns, path)
	if ok && h.current == conn {
		h.current = 0
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	// BlueZ does not surface the HCI reason code.
	h.emit(Event{Type: EventDisconnect, Conn: conn})
}

// isLE reports whether the device connected over LE. BR/EDR addresses are
// always public and BR/EDR devices carry a class of device.
func (h *BlueZHost) isLE(path dbus.ObjectPath) bool {
	props, err := h.lookupDevice(path)
	if err != nil {
		h.log.Debug("[BLE] device properties", "device", path, "error", err)
		return false
	}
	if v, ok := props["AddressType"]; ok {
		if t, ok := v.Value().(string); ok && t == "random" {
			return true
		}
	}
	_, bredr := props["Class"]
	return !bredr
}

func (h *BlueZHost) busDeviceProps(path dbus.ObjectPath) (map[string]dbus.Variant, error) {
	h.mu.Lock()
	bus := h.bus
	h.mu.Unlock()
	if bus == nil {
		return nil, errBlueZNotEnabled
	}
	var props map[string]dbus.Variant
	call := bus.Object(bluezBus, path).Call(dbusPropertiesIface+".GetAll", 0, bluezDevice1)
	if err := call.Store(&props); err != nil {
		return nil, fmt.Errorf("ble: get device properties: %w", err)
	}
	return props, nil
}

func (h *BlueZHost) Address() (string, error) {
	h.mu.Lock()
	adapter := h.adapter
	h.mu.Unlock()
	if adapter == nil {
		return "", errBlueZNotEnabled
	}
	v, err := adapter.GetProperty(bluezAdapter1 + ".Address")
	if err != nil {
		return "", fmt.Errorf("ble: read adapter address: %w", err)
	}
	var addr string
	if err := v.Store(&addr); err != nil {
		return "", fmt.Errorf("ble: read adapter address: %w", err)
	}
	return addr, nil
}

func (h *BlueZHost) AdvertiseStart(params AdvertiseParams, onEvent func(Event)) error {
	h.mu.Lock()
	bus, adapter := h.bus, h.adapter
	h.onEvent = onEvent
	exported := h.advert != nil
	h.mu.Unlock()
	if bus == nil {
		return errBlueZNotEnabled
	}

	if !exported {
		propMap := prop.Map{
			bluezLEAdvert1: {
				"Type":         {Value: "peripheral"},
				"ServiceUUIDs": {Value: []string{params.ServiceUUID.Full()}},
				"LocalName":    {Value: params.LocalName},
			},
		}
		props, err := prop.Export(bus, bluezAdvertPath, propMap)
		if err != nil {
			return fmt.Errorf("ble: export advertisement: %w", err)
		}
		if err := bus.Export(&bluezAdvert{host: h}, bluezAdvertPath, bluezLEAdvert1); err != nil {
			return fmt.Errorf("ble: export advertisement: %w", err)
		}
		h.mu.Lock()
		h.advert = props
		h.mu.Unlock()
	}

	call := adapter.Call("org.bluez.LEAdvertisingManager1.RegisterAdvertisement", 0, bluezAdvertPath, map[string]dbus.Variant{})
	if call.Err != nil {
		var derr dbus.Error
		if !errors.As(call.Err, &derr) || derr.Name != "org.bluez.Error.AlreadyExists" {
			return fmt.Errorf("ble: register advertisement: %w", call.Err)
		}
	}

	h.mu.Lock()
	h.advActive = true
	h.mu.Unlock()
	return nil
}

func (h *BlueZHost) AdvertiseStop() error {
	h.mu.Lock()
	adapter := h.adapter
	active := h.advActive
	h.advActive = false
	h.mu.Unlock()
	if adapter == nil || !active {
		return nil
	}

	call := adapter.Call("org.bluez.LEAdvertisingManager1.UnregisterAdvertisement", 0, bluezAdvertPath)
	if call.Err != nil {
		var derr dbus.Error
		if errors.As(call.Err, &derr) && derr.Name == "org.bluez.Error.DoesNotExist" {
			return nil
		}
		return fmt.Errorf("ble: unregister advertisement: %w", call.Err)
	}
	return nil
}

// Notify updates the characteristic Value. BlueZ forwards the resulting
// PropertiesChanged signal to the subscribed central; the single central
// makes conn implicit.
func (h *BlueZHost) Notify(conn ConnHandle, attr AttrHandle, data []byte) error {
	h.mu.Lock()
	c, ok := h.chars[attr]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: notify on handle %d", ErrUnknownAttribute, attr)
	}
	if derr := c.props.Set(bluezGattChar1, "Value", dbus.MakeVariant(data)); derr != nil {
		return fmt.Errorf("ble: notify conn %d: %w", conn, derr)
	}
	return nil
}

func (h *BlueZHost) Deinit() error {
	h.mu.Lock()
	bus, adapter := h.bus, h.adapter
	registered := h.registered
	sigCh := h.sigCh
	h.bus = nil
	h.adapter = nil
	h.registered = false
	h.sigCh = nil
	h.advert = nil
	h.onEvent = nil
	h.mu.Unlock()
	if bus == nil {
		return nil
	}

	var errs []error
	if err := h.advertiseStopOn(adapter); err != nil {
		errs = append(errs, err)
	}
	if registered {
		if call := adapter.Call("org.bluez.GattManager1.UnregisterApplication", 0, bluezAppPath); call.Err != nil {
			errs = append(errs, fmt.Errorf("ble: unregister application: %w", call.Err))
		}
	}
	if sigCh != nil {
		bus.RemoveSignal(sigCh)
		if err := bus.RemoveMatchSignal(h.deviceMatch()...); err != nil {
			errs = append(errs, fmt.Errorf("ble: remove match PropertiesChanged: %w", err))
		}
		close(sigCh)
	}
	if err := bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("ble: close system bus: %w", err))
	}
	return errors.Join(errs...)
}

func (h *BlueZHost) advertiseStopOn(adapter dbus.BusObject) error {
	h.mu.Lock()
	active := h.advActive
	h.advActive = false
	h.mu.Unlock()
	if !active {
		return nil
	}
	if call := adapter.Call("org.bluez.LEAdvertisingManager1.UnregisterAdvertisement", 0, bluezAdvertPath); call.Err != nil {
		return fmt.Errorf("ble: unregister advertisement: %w", call.Err)
	}
	return nil
}

func (h *BlueZHost) emit(ev Event) {
	h.mu.Lock()
	cb := h.onEvent
	h.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

func (h *BlueZHost) accessHandler() AccessHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.access
}

func (h *BlueZHost) currentConn() ConnHandle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// connFor maps the "device" option of a GATT request to its connection.
// A pending device that makes a request becomes the central.
func (h *BlueZHost) connFor(options map[string]dbus.Variant) ConnHandle {
	h.mu.Lock()
	if v, ok := options["device"]; ok {
		if path, ok := v.Value().(dbus.ObjectPath); ok {
			if conn, ok := h.conns[path]; ok {
				h.mu.Unlock()
				return conn
			}
			if h.pending[path] {
				h.mu.Unlock()
				return h.promote(path)
			}
		}
	}
	current := h.current
	h.mu.Unlock()
	return current
}

// notifyConn returns the central for a StartNotify call, which carries no
// device. With no central yet, a single pending device is promoted.
func (h *BlueZHost) notifyConn() ConnHandle {
	h.mu.Lock()
	if h.current != 0 || len(h.pending) != 1 {
		current := h.current
		h.mu.Unlock()
		return current
	}
	var path dbus.ObjectPath
	for p := range h.pending {
		path = p
	}
	h.mu.Unlock()
	return h.promote(path)
}
