// Package device is the stateful façade over a Tuya LAN connection: it
// holds device identity, mirrors the device's DPS state locally, and fires
// user callbacks on stop/update. Light (light.go) specializes it for
// color-capable devices.
package device

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/tuyago/lanclient/pkg/tuyaconn"
)

// DPSIndexOn is the DPS key toggling device on/off, shared by every Tuya
// switch/lamp.
const DPSIndexOn = "1"

// Config are the construction-time parameters for a Device.
type Config struct {
	Address   string
	Port      int    // default 6668
	DeviceID  string
	GatewayID string // defaults to DeviceID
	LocalKey  string // must be exactly 16 bytes
	Version   string // "3.1" or "3.3", default "3.1"
	Logger    *log.Logger
}

// Device is a stateful façade over one tuyaconn.Conn: it exclusively owns
// the connection, mirrors DPS state, and invokes OnStop/OnUpdate callbacks.
// A Device is not safe for concurrent Connect/Disconnect calls, matching
// the "one device per session object" non-goal.
type Device struct {
	id     uuid.UUID
	info   tuyaconn.DeviceInfo
	key    []byte
	logger *log.Logger

	mu       sync.Mutex
	conn     *tuyaconn.Conn
	dps      map[string]any
	hasDPS   bool
	onStop   func()
	onUpdate func()

	// dispatch lets a specialization (Light, in light.go) observe a decoded
	// payload before the base mirror-merge runs, so derived fields see
	// the new state. See DESIGN.md for why this replaces inheritance.
	dispatch func(cmd tuyaconn.Command, payload map[string]any)
}

// New validates cfg and constructs a disconnected Device.
func New(cfg Config) (*Device, error) {
	if len(cfg.LocalKey) != 16 {
		return nil, fmt.Errorf("%w: local key length should be 16 characters, got %d", tuyaconn.ErrConfiguration, len(cfg.LocalKey))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	d := &Device{
		id: uuid.New(),
		info: tuyaconn.DeviceInfo{
			Address:   cfg.Address,
			Port:      cfg.Port,
			DeviceID:  cfg.DeviceID,
			GatewayID: cfg.GatewayID,
			Version:   cfg.Version,
		},
		key:    []byte(cfg.LocalKey),
		logger: logger,
	}
	d.dispatch = d.onPayload
	return d, nil
}

// ID is a stable correlation id for this Device instance, included in log
// lines so a long-lived process can tell sessions apart.
func (d *Device) ID() uuid.UUID { return d.id }

// SetOnStop registers the callback fired when the connection stops,
// whether by Disconnect or by a transport failure. The callback is a
// borrowed reference: it must not outlive the Device.
func (d *Device) SetOnStop(cb func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onStop = cb
}

// SetOnUpdate registers the callback fired after the DPS mirror changes.
func (d *Device) SetOnUpdate(cb func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onUpdate = cb
}

// Connect opens the connection and primes the DPS mirror with an initial
// DP_QUERY. It is an error to call Connect on an already-connected Device;
// a failure during connect rolls back to fully disconnected.
func (d *Device) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.conn != nil {
		d.mu.Unlock()
		return tuyaconn.ErrAlreadyConnected
	}
	d.mu.Unlock()

	connected := false
	var stopOnce sync.Once
	onStop := func() {
		stopOnce.Do(func() {
			d.mu.Lock()
			d.conn = nil
			d.hasDPS = false
			d.dps = nil
			cb := d.onStop
			d.mu.Unlock()
			if connected && cb != nil {
				cb()
			}
		})
	}
	onPayload := func(cmd tuyaconn.Command, payload map[string]any) {
		d.dispatch(cmd, payload)
	}

	conn, err := tuyaconn.New(d.info, d.key, onPayload, onStop, tuyaconn.WithLogger(d.logger))
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		onStop()
		return err
	}
	connected = true

	if err := d.Update(); err != nil {
		conn.Stop()
		return fmt.Errorf("tuya device: initial DP_QUERY failed: %w", err)
	}
	return nil
}

// Disconnect tears down the connection. It is an error to call Disconnect
// when not connected.
func (d *Device) Disconnect() error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return tuyaconn.ErrNotConnected
	}
	conn.Stop()
	return nil
}

// Update issues a DP_QUERY to refresh the full DPS mirror.
func (d *Device) Update() error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return tuyaconn.ErrNotConnected
	}
	return conn.Send(tuyaconn.CommandDPQuery, map[string]any{}, false)
}

// GetEnabled returns the mirrored on/off DPS value, and whether it is
// present in the mirror at all.
func (d *Device) GetEnabled() (bool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasDPS {
		return false, false
	}
	v, ok := d.dps[DPSIndexOn]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// SetEnabled issues a CONTROL to set the on/off DPS and updates the local
// mirror optimistically (before the device confirms), matching the
// low-latency UX the protocol is designed around.
func (d *Device) SetEnabled(enabled bool) error {
	d.mu.Lock()
	conn := d.conn
	if !d.hasDPS {
		d.mu.Unlock()
		return fmt.Errorf("tuya device: %w: set_enabled requires a prior DPS mirror", tuyaconn.ErrConfiguration)
	}
	d.dps[DPSIndexOn] = enabled
	d.mu.Unlock()

	if conn == nil {
		return tuyaconn.ErrNotConnected
	}
	return conn.Send(tuyaconn.CommandControl, map[string]any{DPSIndexOn: enabled}, false)
}

// DPS returns a shallow copy of the current DPS mirror, or nil if no mirror
// has been primed yet.
func (d *Device) DPS() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasDPS {
		return nil
	}
	out := make(map[string]any, len(d.dps))
	for k, v := range d.dps {
		out[k] = v
	}
	return out
}

// send is exposed to specializations (Light, in light.go) that need to issue
// CONTROL frames directly. Once the frame is sent it merges dps into the
// mirror under the same lock a caller observes through DPS()/GetEnabled().
func (d *Device) send(cmd tuyaconn.Command, dps map[string]any, encrypted bool) error {
	d.mu.Lock()
	conn := d.conn
	hasDPS := d.hasDPS
	d.mu.Unlock()
	if !hasDPS {
		return fmt.Errorf("tuya device: %w: operation requires a prior DPS mirror", tuyaconn.ErrConfiguration)
	}
	if conn == nil {
		return tuyaconn.ErrNotConnected
	}
	if err := conn.Send(cmd, dps, encrypted); err != nil {
		return err
	}
	d.mu.Lock()
	if d.hasDPS {
		for k, v := range dps {
			d.dps[k] = v
		}
	}
	d.mu.Unlock()
	return nil
}

// mutateMirror applies fn to the DPS mirror under lock and fires onUpdate.
func (d *Device) mutateMirror(fn func(map[string]any)) {
	d.mu.Lock()
	if d.dps == nil {
		d.dps = map[string]any{}
	}
	fn(d.dps)
	d.hasDPS = true
	cb := d.onUpdate
	d.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// onPayload is the base session's inbound handler: DP_QUERY replaces the
// mirror wholesale, STATUS merges right-biased. Specializations call this
// last, after inspecting the payload for their own derived fields, so that
// derived state observes the incoming dps before the generic merge runs.
func (d *Device) onPayload(cmd tuyaconn.Command, payload map[string]any) {
	dps, _ := payload["dps"].(map[string]any)

	switch cmd {
	case tuyaconn.CommandDPQuery:
		d.mutateMirror(func(m map[string]any) {
			for k := range m {
				delete(m, k)
			}
			for k, v := range dps {
				m[k] = v
			}
		})
	case tuyaconn.CommandStatus:
		if len(dps) == 0 {
			return
		}
		d.mutateMirror(func(m map[string]any) {
			for k, v := range dps {
				m[k] = v
			}
		})
	}
}

// setDispatch overrides the payload dispatch hook used by specializations
// in this package (e.g. Light) so they can observe a decoded payload
// before the base mirror-merge runs.
func (d *Device) setDispatch(fn func(cmd tuyaconn.Command, payload map[string]any)) {
	d.dispatch = fn
}

// basePayloadHandler exposes the base mirror-merge handler so a
// specialization can call it after processing its own derived fields.
func (d *Device) basePayloadHandler() func(cmd tuyaconn.Command, payload map[string]any) {
	return d.onPayload
}
