package notify

import (
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moyoez/courseupload/types"
)

func TestBusFanOutAndUnsubscribe(t *testing.T) {
	bus := NewBus()
	var a, b []types.Event
	unsubA := bus.Subscribe(func(ev types.Event) { a = append(a, ev) })
	bus.Subscribe(func(ev types.Event) { b = append(b, ev) })

	bus.Publish(types.Event{Type: types.EventUploadStart, SessionID: "s1"})
	unsubA()
	unsubA()
	bus.Publish(types.Event{Type: types.EventUploadDone, SessionID: "s1"})

	require.Len(t, a, 1)
	require.Len(t, b, 2)
	assert.NotEmpty(t, a[0].ID)
	assert.False(t, a[0].Time.IsZero())
	assert.NotEqual(t, b[0].ID, b[1].ID)
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() { bus.Publish(types.Event{Type: types.EventProgress}) })
}

// listen accepts framed events on a unix socket and forwards the decoded payloads.
func listen(t *testing.T, reply string) (string, <-chan types.Event) {
	t.Helper()
	// unix socket paths are length limited, keep it short
	dir, err := os.MkdirTemp("", "cu")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	path := filepath.Join(dir, "n.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	out := make(chan types.Event, 16)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			var size [4]byte
			if _, err := io.ReadFull(conn, size[:]); err == nil {
				body := make([]byte, binary.LittleEndian.Uint32(size[:]))
				if _, err := io.ReadFull(conn, body); err == nil {
					var ev types.Event
					if sonic.Unmarshal(body, &ev) == nil {
						out <- ev
					}
				}
			}
			_, _ = conn.Write([]byte(reply))
			_ = conn.Close()
		}
	}()
	return path, out
}

func TestSendFramesEvent(t *testing.T) {
	path, got := listen(t, `{"ok":true}`)
	require.NoError(t, Send(path, types.Event{ID: "e1", Type: types.EventUploadDone, SessionID: "s1", Percent: 100}))
	select {
	case ev := <-got:
		assert.Equal(t, "e1", ev.ID)
		assert.Equal(t, types.EventUploadDone, ev.Type)
		assert.Equal(t, float64(100), ev.Percent)
	case <-time.After(2 * time.Second):
		t.Fatal("listener received nothing")
	}
}

func TestSendReportsListenerError(t *testing.T) {
	path, _ := listen(t, `{"error":"busy"}`)
	err := Send(path, types.Event{Type: types.EventProgress})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "busy")
}

func TestSendRejectsLargePayload(t *testing.T) {
	path, _ := listen(t, "")
	err := Send(path, types.Event{Type: types.EventProgress, Message: strings.Repeat("x", MaxPayloadSize)})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestSendMissingSocket(t *testing.T) {
	assert.Error(t, Send(filepath.Join(t.TempDir(), "missing.sock"), types.Event{}))
}

func TestSocketSinkDeliversFromBus(t *testing.T) {
	path, got := listen(t, "")
	bus := NewBus()
	sink := NewSocketSink(path, 4)
	defer sink.Close()
	unsub := sink.Attach(bus)
	defer unsub()

	bus.Publish(types.Event{Type: types.EventUploadStart, SessionID: "s1"})
	bus.Publish(types.Event{Type: types.EventUploadDone, SessionID: "s1"})

	var seen []string
	for range 2 {
		select {
		case ev := <-got:
			seen = append(seen, ev.Type)
		case <-time.After(2 * time.Second):
			t.Fatal("sink did not deliver")
		}
	}
	assert.Equal(t, []string{types.EventUploadStart, types.EventUploadDone}, seen)
}
