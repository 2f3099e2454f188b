package uibridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordedWrite struct {
	messageType int
	data        string
}

type fakeWSWriter struct {
	mu     sync.Mutex
	writes []recordedWrite
	closed bool
	err    error
}

func (f *fakeWSWriter) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWSWriter) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data)})
	return nil
}

func (f *fakeWSWriter) WriteControl(messageType int, data []byte, _ time.Time) error {
	return f.WriteMessage(messageType, data)
}

func (f *fakeWSWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWSWriter) snapshot() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

func TestClientWriter_WritesInOrderUntilQueueCloses(t *testing.T) {
	queue := make(chan []byte, 3)
	queue <- []byte(`{"n":1}`)
	queue <- []byte(`{"n":2}`)
	queue <- []byte(`{"n":3}`)
	close(queue)

	ws := &fakeWSWriter{}
	w := clientWriter{ws: ws, ctx: context.Background(), queue: queue, pingInterval: time.Hour, writeTimeout: time.Second}
	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	writes := ws.snapshot()
	if len(writes) != 3 {
		t.Fatalf("writes=%d, want 3", len(writes))
	}
	for i, want := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		if writes[i].messageType != websocket.TextMessage || writes[i].data != want {
			t.Fatalf("write %d = %+v", i, writes[i])
		}
	}
}

func TestClientWriter_FlushesAndClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	queue := make(chan []byte, 1)
	queue <- []byte(`{"type":"state","state":"closed"}`)

	ws := &fakeWSWriter{}
	w := clientWriter{ws: ws, ctx: ctx, queue: queue, pingInterval: time.Hour, writeTimeout: time.Second}
	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	writes := ws.snapshot()
	if len(writes) != 2 {
		t.Fatalf("writes=%+v", writes)
	}
	if writes[0].data != `{"type":"state","state":"closed"}` {
		t.Fatalf("first write=%+v", writes[0])
	}
	if writes[1].messageType != websocket.CloseMessage {
		t.Fatalf("expected close frame, got %+v", writes[1])
	}
	if !ws.closed {
		t.Fatalf("expected websocket to be closed")
	}
}

func TestClientWriter_SendsPings(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ws := &fakeWSWriter{}
	w := clientWriter{ws: ws, ctx: ctx, queue: make(chan []byte), pingInterval: 5 * time.Millisecond, writeTimeout: time.Second}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run()
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, wr := range ws.snapshot() {
			if wr.messageType == websocket.PingMessage {
				cancel()
				<-done
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no ping written")
}

func TestClientWriter_ReturnsWriteError(t *testing.T) {
	queue := make(chan []byte, 1)
	queue <- []byte(`{}`)

	ws := &fakeWSWriter{err: errors.New("broken pipe")}
	w := clientWriter{ws: ws, ctx: context.Background(), queue: queue, pingInterval: time.Hour, writeTimeout: time.Second}
	if err := w.Run(); err == nil {
		t.Fatalf("expected write error")
	}
}
