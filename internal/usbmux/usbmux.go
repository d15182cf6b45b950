// Package usbmux subscribes to device attach and detach notifications from
// the usbmuxd daemon.
package usbmux

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"codeberg.org/mutker/battmon/internal/errors"
	"howett.net/plist"
)

// DefaultSocket is where usbmuxd listens on Linux and macOS.
const DefaultSocket = "/var/run/usbmuxd"

const (
	headerSize     = 16
	protocolPlist  = 1
	messagePlist   = 8
	maxMessageSize = 1 << 20
	clientVersion  = "battmon"
	libUSBMuxVer   = 3
)

// EventKind distinguishes attach from detach notifications.
type EventKind int

const (
	Attached EventKind = iota
	Detached
)

func (k EventKind) String() string {
	if k == Attached {
		return "attached"
	}

	return "detached"
}

// Event is one attach or detach notification. UDID is empty for detach
// notifications of devices the listener never saw attach.
type Event struct {
	Kind     EventKind
	DeviceID int
	UDID     string
	At       time.Time
}

// Listener holds one Listen subscription to usbmuxd.
type Listener struct {
	socket string
	dial   func(ctx context.Context, socket string) (net.Conn, error)

	mu      sync.Mutex
	devices map[int]string
}

func NewListener(socket string) *Listener {
	if socket == "" {
		socket = DefaultSocket
	}

	return &Listener{
		socket:  socket,
		dial:    dialUnix,
		devices: make(map[int]string),
	}
}

func dialUnix(ctx context.Context, socket string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", socket)
}

// Available reports whether the usbmuxd socket exists.
func (l *Listener) Available() bool {
	info, err := os.Stat(l.socket)
	return err == nil && info.Mode()&os.ModeSocket != 0
}

// Listen subscribes to notifications and calls emit for each of them until
// ctx is done or the connection fails. emit runs on the listener's
// goroutine and must not block.
func (l *Listener) Listen(ctx context.Context, emit func(Event)) error {
	conn, err := l.dial(ctx, l.socket)
	if err != nil {
		return errors.New().Wrap(ErrConnect, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := writeMessage(conn, 1, map[string]any{
		"MessageType":         "Listen",
		"ClientVersionString": clientVersion,
		"ProgName":            clientVersion,
		"kLibUSBMuxVersion":   libUSBMuxVer,
	}); err != nil {
		return errors.New().Wrap(ErrProtocol, err)
	}

	r := bufio.NewReader(conn)
	reply, err := readMessage(r)
	if err != nil {
		return l.closed(ctx, err)
	}
	if reply.MessageType != "Result" || reply.Number != 0 {
		return errors.New().WithData(ErrRefused, reply.Number)
	}

	for {
		msg, err := readMessage(r)
		if err != nil {
			return l.closed(ctx, err)
		}
		if ev, ok := l.event(msg); ok {
			emit(ev)
		}
	}
}

func (l *Listener) closed(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	return errors.New().Wrap(ErrProtocol, err)
}

func (l *Listener) event(msg message) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch msg.MessageType {
	case "Attached":
		udid := msg.Properties.SerialNumber
		l.devices[msg.DeviceID] = udid
		return Event{Kind: Attached, DeviceID: msg.DeviceID, UDID: udid, At: time.Now()}, true
	case "Detached":
		udid := l.devices[msg.DeviceID]
		delete(l.devices, msg.DeviceID)
		return Event{Kind: Detached, DeviceID: msg.DeviceID, UDID: udid, At: time.Now()}, true
	default:
		return Event{}, false
	}
}

type message struct {
	MessageType string     `plist:"MessageType"`
	Number      int        `plist:"Number"`
	DeviceID    int        `plist:"DeviceID"`
	Properties  properties `plist:"Properties"`
}

type properties struct {
	SerialNumber   string `plist:"SerialNumber"`
	ConnectionType string `plist:"ConnectionType"`
}

// Header fields are little-endian uint32s: total length, protocol
// version, message type and tag.
func writeMessage(w io.Writer, tag uint32, body map[string]any) error {
	payload, err := plist.Marshal(body, plist.XMLFormat)
	if err != nil {
		return err
	}

	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[4:], protocolPlist)
	binary.LittleEndian.PutUint32(buf[8:], messagePlist)
	binary.LittleEndian.PutUint32(buf[12:], tag)
	copy(buf[headerSize:], payload)

	_, err = w.Write(buf)
	return err
}

func readMessage(r io.Reader) (message, error) {
	var msg message

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return msg, err
	}

	size := binary.LittleEndian.Uint32(header[0:])
	if size < headerSize || size > maxMessageSize {
		return msg, errors.New().WithData(ErrProtocol, size)
	}
	if kind := binary.LittleEndian.Uint32(header[8:]); kind != messagePlist {
		return msg, errors.New().WithData(ErrProtocol, kind)
	}

	body := make([]byte, size-headerSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return msg, err
	}

	if _, err := plist.Unmarshal(body, &msg); err != nil {
		return msg, err
	}

	return msg, nil
}
