package notify

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/moyoez/courseupload/tool"
	"github.com/moyoez/courseupload/types"
)

// MaxPayloadSize is the largest event the socket accepts.
const MaxPayloadSize = 32 * 1024

var (
	// SocketTimeout bounds dial, write and read on the notify socket.
	SocketTimeout = 3 * time.Second

	ErrPayloadTooLarge = errors.New("notification payload too large")
	ErrSinkClosed      = errors.New("notify sink closed")
)

// SocketSink forwards events to a local unix socket listener. Each event is one connection:
// a little-endian uint32 length, the JSON payload, then an optional JSON reply.
type SocketSink struct {
	path  string
	queue chan types.Event

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewSocketSink starts the delivery goroutine. Events published while the queue is full
// are dropped, except terminal ones which wait for room.
func NewSocketSink(path string, queueSize int) *SocketSink {
	if queueSize <= 0 {
		queueSize = 64
	}
	s := &SocketSink{
		path:  path,
		queue: make(chan types.Event, queueSize),
		done:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// Attach subscribes the sink to bus and returns the unsubscribe function.
func (s *SocketSink) Attach(bus *Bus) func() {
	return bus.Subscribe(s.Enqueue)
}

// Enqueue queues ev for delivery without blocking on progress events.
func (s *SocketSink) Enqueue(ev types.Event) {
	select {
	case <-s.done:
		return
	default:
	}
	if terminal(ev.Type) {
		select {
		case s.queue <- ev:
		case <-s.done:
		}
		return
	}
	select {
	case s.queue <- ev:
	default:
		tool.DefaultLogger.Debugf("[Notify] Queue full, dropping %s for %s", ev.Type, ev.SessionID)
	}
}

func (s *SocketSink) loop() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.queue:
			if err := Send(s.path, ev); err != nil {
				tool.DefaultLogger.Debugf("[Notify] Failed to deliver %s: %v", ev.Type, err)
			}
		case <-s.done:
			return
		}
	}
}

// Close stops delivery. Queued events are discarded.
func (s *SocketSink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func terminal(eventType string) bool {
	switch eventType {
	case types.EventUploadDone, types.EventUploadFailed, types.EventUploadCancelled:
		return true
	}
	return false
}

// Send writes one event to the unix socket at path and reads the listener's reply.
func Send(path string, ev types.Event) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("unix socket not found: %s", path)
	}
	payload, err := sonic.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}

	conn, err := net.DialTimeout("unix", path, SocketTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to unix socket %s: %w", path, err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			tool.DefaultLogger.Errorf("[Notify] Failed to close unix socket connection: %v", err)
		}
	}()

	if err := conn.SetWriteDeadline(time.Now().Add(SocketTimeout)); err != nil {
		tool.DefaultLogger.Errorf("[Notify] Failed to set write deadline: %v", err)
	}
	frame := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("failed to write to unix socket: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(SocketTimeout)); err != nil {
		tool.DefaultLogger.Errorf("[Notify] Failed to set read deadline: %v", err)
	}
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		return fmt.Errorf("failed to read reply from unix socket: %w", err)
	}
	if n > 0 {
		var reply map[string]any
		if err := sonic.Unmarshal(buf[:n], &reply); err != nil {
			tool.DefaultLogger.Debugf("[Notify] Unix socket reply (raw): %s", string(buf[:n]))
		} else if msg, ok := reply["error"].(string); ok && msg != "" {
			return fmt.Errorf("listener returned error: %s", msg)
		}
	}
	tool.DefaultLogger.Debugf("[Notify] Sent %s for %s", ev.Type, ev.SessionID)
	return nil
}
