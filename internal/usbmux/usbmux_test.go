package usbmux

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"codeberg.org/mutker/battmon/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDaemon answers a Listen request with result and then replays msgs.
func fakeDaemon(t *testing.T, result int, msgs ...map[string]any) *Listener {
	t.Helper()

	l := NewListener("unused")
	l.dial = func(context.Context, string) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			defer server.Close()

			req, err := readMessage(bufio.NewReader(server))
			if err != nil || req.MessageType != "Listen" {
				return
			}
			if err := writeMessage(server, 1, map[string]any{"MessageType": "Result", "Number": result}); err != nil {
				return
			}
			for _, m := range msgs {
				if err := writeMessage(server, 0, m); err != nil {
					return
				}
			}
		}()
		return client, nil
	}

	return l
}

func TestListenEvents(t *testing.T) {
	l := fakeDaemon(t, 0,
		map[string]any{
			"MessageType": "Attached",
			"DeviceID":    7,
			"Properties":  map[string]any{"SerialNumber": "00008030-001A", "ConnectionType": "USB"},
		},
		map[string]any{"MessageType": "Paired", "DeviceID": 7},
		map[string]any{"MessageType": "Detached", "DeviceID": 7},
	)

	var events []Event
	err := l.Listen(context.Background(), func(ev Event) { events = append(events, ev) })
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrProtocol))

	require.Len(t, events, 2)
	assert.Equal(t, Attached, events[0].Kind)
	assert.Equal(t, "00008030-001A", events[0].UDID)
	assert.Equal(t, Detached, events[1].Kind)
	assert.Equal(t, "00008030-001A", events[1].UDID)
	assert.Empty(t, l.devices)
}

func TestListenRefused(t *testing.T) {
	l := fakeDaemon(t, 3)

	err := l.Listen(context.Background(), func(Event) {})
	assert.True(t, errors.HasCode(err, ErrRefused))
}

func TestListenStopsOnCancel(t *testing.T) {
	l := NewListener("unused")
	l.dial = func(context.Context, string) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			r := bufio.NewReader(server)
			if _, err := readMessage(r); err != nil {
				return
			}
			_ = writeMessage(server, 1, map[string]any{"MessageType": "Result", "Number": 0})
			// Hold the connection open without sending anything.
			_, _ = r.ReadByte()
		}()
		return client, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Listen(ctx, func(Event) {}) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop after cancel")
	}
}

func TestDialFailure(t *testing.T) {
	l := NewListener(t.TempDir() + "/missing.sock")
	assert.False(t, l.Available())

	err := l.Listen(context.Background(), func(Event) {})
	assert.True(t, errors.HasCode(err, ErrConnect))
}
