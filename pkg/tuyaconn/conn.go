// Package tuyaconn implements the Tuya LAN wire protocol: the AES-128 ECB
// cipher, the framed packet codec, the version-specific payload envelopes,
// and the persistent TCP connection lifecycle (connect, send, heartbeat,
// coalesced dispatch, teardown) described for protocol versions 3.1 and
// 3.3. It has no notion of "device" or "light" — those are built on top in
// package device.
package tuyaconn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// DefaultPort is the TCP port Tuya LAN devices listen on.
	DefaultPort = 6668
	// DefaultVersion is the protocol version used when none is given.
	DefaultVersion = "3.1"
	// DefaultConnectTimeout bounds DNS resolution and TCP connect.
	DefaultConnectTimeout = 30 * time.Second
	// HeartbeatInterval is the cadence of outbound HEART_BEAT frames.
	HeartbeatInterval = 10 * time.Second
	// CoalesceWindow is how long the dispatcher waits after the most
	// recent arrival before flushing a batch of decoded frames.
	CoalesceWindow = 100 * time.Millisecond
)

// connState is the Connection's lifecycle state (§4.8).
type connState int32

const (
	stateIdle connState = iota
	stateConnecting
	stateConnected
	stateStopped
)

// DeviceInfo identifies a device session target. It is immutable once a
// Connection is constructed.
type DeviceInfo struct {
	Address   string
	Port      int
	DeviceID  string
	GatewayID string
	Version   string // "3.1" or "3.3"
}

func (d DeviceInfo) normalized() DeviceInfo {
	if d.Port == 0 {
		d.Port = DefaultPort
	}
	if d.Version == "" {
		d.Version = DefaultVersion
	}
	if d.GatewayID == "" {
		d.GatewayID = d.DeviceID
	}
	return d
}

// PayloadFunc is invoked once per non-heartbeat decoded frame, in arrival
// order within a coalesced batch. It must not block for long: it runs on
// the connection's own dispatch goroutine.
type PayloadFunc func(cmd Command, payload map[string]any)

// StopFunc is invoked exactly once when the connection transitions to
// stopped, whether due to a caller-initiated Stop or a transport failure.
type StopFunc func()

// Conn owns one TCP socket to one Tuya LAN device: the write serializer,
// the sequence counter, the inbound read loop, the heartbeat loop, and the
// coalescing dispatcher. Callbacks (OnPayload, OnStop) are borrowed
// references; Conn does not own the object that set them. It keeps both
// references for its whole lifetime, including after Stop.
type Conn struct {
	info     DeviceInfo
	localKey []byte
	cipher   *cipher
	logger   *log.Logger

	connectTimeout time.Duration
	heartbeat      time.Duration
	coalesce       time.Duration

	onPayload PayloadFunc
	onStop    StopFunc

	stateMu sync.Mutex
	state   connState
	nc      net.Conn

	writeMu sync.Mutex
	seq     atomic.Uint32

	pendingMu    sync.Mutex
	pending      []*decodedFrame
	pendingTimer *time.Timer

	stopOnce sync.Once
}

// Option configures a Conn at construction time.
type Option func(*Conn)

// WithLogger overrides the default logger (log.Default()).
func WithLogger(l *log.Logger) Option {
	return func(c *Conn) { c.logger = l }
}

// WithConnectTimeout overrides DefaultConnectTimeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Conn) { c.connectTimeout = d }
}

// New constructs a Conn for the given device and local key. It does not
// connect; call Connect to do that. localKey must be exactly 16 bytes.
func New(info DeviceInfo, localKey []byte, onPayload PayloadFunc, onStop StopFunc, opts ...Option) (*Conn, error) {
	if len(localKey) != 16 {
		return nil, fmt.Errorf("%w: local key must be 16 bytes, got %d", ErrConfiguration, len(localKey))
	}
	c, err := newCipher(localKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	conn := &Conn{
		info:           info.normalized(),
		localKey:       localKey,
		cipher:         c,
		logger:         log.Default(),
		connectTimeout: DefaultConnectTimeout,
		heartbeat:      HeartbeatInterval,
		coalesce:       CoalesceWindow,
		onPayload:      onPayload,
		onStop:         onStop,
		state:          stateIdle,
	}
	for _, opt := range opts {
		opt(conn)
	}
	return conn, nil
}

// Connect resolves the device address and opens a TCP connection with
// TCP_NODELAY, bounded by the connect timeout. On success it spawns the
// receive loop and the heartbeat loop. On failure it tears itself down and
// returns a wrapped error.
func (c *Conn) Connect(ctx context.Context) error {
	c.stateMu.Lock()
	switch c.state {
	case stateConnecting, stateConnected:
		c.stateMu.Unlock()
		return ErrAlreadyConnected
	case stateStopped:
		c.stateMu.Unlock()
		return fmt.Errorf("%w: connection already stopped", ErrNotConnected)
	}
	c.state = stateConnecting
	c.stateMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	dialer := &net.Dialer{
		Control: func(_, _ string, rc syscall.RawConn) error {
			var setErr error
			ctrlErr := rc.Control(func(fd uintptr) {
				setErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
			})
			if ctrlErr != nil {
				return ctrlErr
			}
			return setErr
		},
	}

	addr := net.JoinHostPort(c.info.Address, fmt.Sprintf("%d", c.info.Port))
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.failConnect()
		if ctx.Err() != nil {
			return fmt.Errorf("%w: dialing %s: %v", ErrTimeout, addr, err)
		}
		return fmt.Errorf("%w: dialing %s: %v", ErrTransport, addr, err)
	}

	c.stateMu.Lock()
	c.nc = nc
	c.state = stateConnected
	c.stateMu.Unlock()

	go c.receiveLoop()
	go c.heartbeatLoop()

	return nil
}

func (c *Conn) failConnect() {
	c.stateMu.Lock()
	c.state = stateStopped
	c.stateMu.Unlock()
	if c.onStop != nil {
		c.stopOnce.Do(c.onStop)
	}
}

// Send builds the device payload envelope for cmd/dps and writes the framed
// packet, serialized against concurrent sends. encrypted requests the
// protocol-3.1 CONTROL-class encryption; protocol 3.3 is always encrypted
// regardless of this flag.
func (c *Conn) Send(cmd Command, dps map[string]any, encrypted bool) error {
	c.stateMu.Lock()
	nc := c.nc
	connected := c.state == stateConnected
	c.stateMu.Unlock()
	if !connected || nc == nil {
		return ErrNotConnected
	}

	var jsonBody []byte
	if cmd != CommandHeartBeat {
		var err error
		jsonBody, err = encodeJSONPayload(c.info.GatewayID, c.info.DeviceID, dps, c.info.DeviceID, time.Now().Unix())
		if err != nil {
			return err
		}
	}

	body, err := envelopePayload(c.cipher, c.info.Version, cmd, jsonBody, encrypted, c.localKey)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Re-check under the write lock: Stop may have raced us here.
	c.stateMu.Lock()
	nc = c.nc
	connected = c.state == stateConnected
	c.stateMu.Unlock()
	if !connected || nc == nil {
		return ErrNotConnected
	}

	seq := c.seq.Add(1) - 1
	frame := encodeFrame(seq, cmd, body)
	if _, err := nc.Write(frame); err != nil {
		go c.Stop()
		return fmt.Errorf("%w: writing frame: %v", ErrTransport, err)
	}
	return nil
}

// Stop is idempotent: it closes the socket and invokes OnStop exactly once.
func (c *Conn) Stop() {
	c.stopOnce.Do(func() {
		c.writeMu.Lock()
		c.stateMu.Lock()
		if c.nc != nil {
			_ = c.nc.Close()
		}
		c.state = stateStopped
		c.stateMu.Unlock()
		c.writeMu.Unlock()

		c.pendingMu.Lock()
		if c.pendingTimer != nil {
			c.pendingTimer.Stop()
			c.pendingTimer = nil
		}
		c.pendingMu.Unlock()

		if c.onStop != nil {
			c.onStop()
		}
	})
}

// receiveLoop repeatedly reads one frame and feeds the coalescing
// dispatcher. A transport-level failure stops the connection; a
// frame-level protocol failure is logged and the loop continues.
func (c *Conn) receiveLoop() {
	c.stateMu.Lock()
	nc := c.nc
	c.stateMu.Unlock()
	if nc == nil {
		return
	}

	for {
		frame, err := readFrame(nc, c.logger)
		if err != nil {
			if isTransportErr(err) {
				c.logger.Printf("tuyaconn: read loop for %s stopping: %v", c.info.Address, err)
				c.Stop()
				return
			}
			c.logger.Printf("tuyaconn: dropping malformed frame from %s: %v", c.info.Address, err)
			continue
		}
		c.enqueue(frame)
	}
}

func isTransportErr(err error) bool {
	return err != nil && errors.Is(err, ErrTransport)
}

// enqueue appends a raw decoded frame to the pending batch and (re)arms the
// single coalescing timer. This is the one non-trivial concurrency pattern
// in the design: bursts of device updates arriving within the window are
// delivered to the application as one batch instead of one event each.
func (c *Conn) enqueue(frame *decodedFrame) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	c.pending = append(c.pending, frame)
	if c.pendingTimer != nil {
		c.pendingTimer.Stop()
	}
	c.pendingTimer = time.AfterFunc(c.coalesce, c.flush)
}

// flush swaps out the pending batch, decodes each frame's payload envelope
// in arrival order, and dispatches them in that order.
func (c *Conn) flush() {
	c.pendingMu.Lock()
	batch := c.pending
	c.pending = nil
	c.pendingTimer = nil
	c.pendingMu.Unlock()

	for _, frame := range batch {
		if frame.Cmd == CommandHeartBeat {
			continue
		}
		payload, err := unenvelopePayload(c.cipher, c.info.Version, frame.Cmd, frame.Payload)
		if err != nil {
			c.logger.Printf("tuyaconn: failed to decrypt payload for cmd %d from %s: %v", frame.Cmd, c.info.Address, err)
			continue
		}
		if c.onPayload != nil {
			c.onPayload(frame.Cmd, payload)
		}
	}
}

// heartbeatLoop emits an empty HEART_BEAT frame on a fixed interval while
// connected. Send errors are logged, not treated as fatal; a failed
// heartbeat that indicates a dead peer will be caught by the next read
// failure instead.
func (c *Conn) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for range ticker.C {
		c.stateMu.Lock()
		connected := c.state == stateConnected
		c.stateMu.Unlock()
		if !connected {
			return
		}
		if err := c.Send(CommandHeartBeat, nil, false); err != nil {
			c.logger.Printf("tuyaconn: heartbeat to %s failed: %v", c.info.Address, err)
		}
	}
}
