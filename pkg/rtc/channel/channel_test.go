package channel

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-rtc/pkg/core"
	"github.com/vango-go/vai-rtc/pkg/rtc/protocol"
	"github.com/vango-go/vai-rtc/pkg/rtc/rtctest"
)

type recorder struct {
	mu        sync.Mutex
	events    []protocol.ServerEvent
	calls     []protocol.FunctionCall
	malformed []*core.MalformedEventError
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnEvent: func(ev protocol.ServerEvent) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		},
		OnFunctionCall: func(call protocol.FunctionCall) {
			r.mu.Lock()
			r.calls = append(r.calls, call)
			r.mu.Unlock()
		},
		OnMalformed: func(err *core.MalformedEventError) {
			r.mu.Lock()
			r.malformed = append(r.malformed, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events) + len(r.malformed)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestSend_ClosedChannel(t *testing.T) {
	dc := rtctest.NewChannel("oai-events")
	h := New(dc, Callbacks{}, nil)
	defer h.Close()

	if err := h.Send(protocol.NewUserText("hello")); !errors.Is(err, core.ErrChannelClosed) {
		t.Fatalf("err=%v", err)
	}
	if sent := dc.Sent(); len(sent) != 0 {
		t.Fatalf("sent=%v", sent)
	}
}

func TestSend_OpenChannel(t *testing.T) {
	dc := rtctest.NewChannel("oai-events")
	dc.Open()
	h := New(dc, Callbacks{}, nil)
	defer h.Close()

	if err := h.Send(protocol.NewUserText("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent := dc.Sent()
	if len(sent) != 1 || !strings.Contains(sent[0], `"type":"conversation.item.create"`) {
		t.Fatalf("sent=%v", sent)
	}
}

func TestSend_AfterCloseFails(t *testing.T) {
	dc := rtctest.NewChannel("oai-events")
	dc.Open()
	h := New(dc, Callbacks{}, nil)
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := h.Send(protocol.NewUserText("late")); !errors.Is(err, core.ErrChannelClosed) {
		t.Fatalf("err=%v", err)
	}
	if !dc.Closed() {
		t.Fatalf("data channel left open")
	}
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("inbound loop did not exit")
	}
}

func TestSend_TransportFailureAfterOpen(t *testing.T) {
	dc := rtctest.NewChannel("oai-events")
	dc.Open()
	dc.SendErr = errors.New("sctp write failed")
	h := New(dc, Callbacks{}, nil)
	defer h.Close()

	err := h.Send(protocol.NewUserText("hello"))
	if err == nil || errors.Is(err, core.ErrChannelClosed) {
		t.Fatalf("err=%v", err)
	}
}

func TestInbound_OrderPreserved(t *testing.T) {
	dc := rtctest.NewChannel("oai-events")
	rec := &recorder{}
	h := New(dc, rec.callbacks(), nil)
	defer h.Close()

	const n = 50
	for i := 0; i < n; i++ {
		dc.Deliver(fmt.Sprintf(`{"type":"conversation.item.created","item":{"id":"item_%d","role":"assistant","content":[{"type":"text","text":"t%d"}]}}`, i, i))
	}
	waitUntil(t, func() bool { return rec.count() == n })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, ev := range rec.events {
		if got, want := ev.(protocol.ConversationItemCreated).ItemID, fmt.Sprintf("item_%d", i); got != want {
			t.Fatalf("event %d: item=%q want %q", i, got, want)
		}
	}
}

func TestInbound_MalformedIsReportedAndDropped(t *testing.T) {
	dc := rtctest.NewChannel("oai-events")
	rec := &recorder{}
	h := New(dc, rec.callbacks(), nil)
	defer h.Close()

	dc.Deliver(`{"type":`)
	dc.Deliver(`{"type":"session.created","session":{"id":"sess_1"}}`)
	waitUntil(t, func() bool { return rec.count() == 2 })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.malformed) != 1 || len(rec.events) != 1 {
		t.Fatalf("malformed=%d events=%d", len(rec.malformed), len(rec.events))
	}
	if id := rec.events[0].(protocol.SessionCreated).SessionID; id != "sess_1" {
		t.Fatalf("session=%q", id)
	}
}

func TestInbound_FunctionCallsRouted(t *testing.T) {
	dc := rtctest.NewChannel("oai-events")
	rec := &recorder{}
	h := New(dc, rec.callbacks(), nil)
	defer h.Close()

	dc.Deliver(`{"type":"response.done","response":{"output":[
		{"type":"function_call","name":"stripe_function","call_id":"c1","arguments":"{\"price\":50}"},
		{"type":"function_call","name":"transferAgents","call_id":"c2","arguments":"{}"}
	]}}`)
	waitUntil(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.calls) == 2
	})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.calls[0].CallID != "c1" || rec.calls[1].CallID != "c2" {
		t.Fatalf("calls=%+v", rec.calls)
	}
	if len(rec.events) != 1 {
		t.Fatalf("events=%d", len(rec.events))
	}
}

func TestInbound_PlaceholderPassedThrough(t *testing.T) {
	dc := rtctest.NewChannel("oai-events")
	rec := &recorder{}
	h := New(dc, rec.callbacks(), nil)
	defer h.Close()

	dc.Deliver(`{"type":"conversation.item.created","item":{"id":"item_u","role":"user","content":[{"type":"input_audio"}]}}`)
	waitUntil(t, func() bool { return rec.count() == 1 })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	item := rec.events[0].(protocol.ConversationItemCreated)
	if !item.Placeholder || item.Text != "" {
		t.Fatalf("item=%+v", item)
	}
}

func TestInbound_OneAtATime(t *testing.T) {
	dc := rtctest.NewChannel("oai-events")
	var active, maxActive int
	var mu sync.Mutex
	var seen int
	h := New(dc, Callbacks{OnEvent: func(protocol.ServerEvent) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		active--
		seen++
		mu.Unlock()
	}}, nil)
	defer h.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				dc.Deliver(`{"type":"response.audio.delta"}`)
			}
		}()
	}
	wg.Wait()
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen == 20
	})
	mu.Lock()
	defer mu.Unlock()
	if maxActive != 1 {
		t.Fatalf("maxActive=%d", maxActive)
	}
}

func TestTransportCallbacks(t *testing.T) {
	dc := rtctest.NewChannel("oai-events")
	opened := make(chan struct{})
	closed := make(chan struct{})
	h := New(dc, Callbacks{
		OnOpen:  func() { close(opened) },
		OnClose: func() { close(closed) },
	}, nil)
	defer h.Close()

	dc.Open()
	<-opened
	if !h.IsOpen() {
		t.Fatalf("IsOpen=false after open")
	}
	dc.Drop()
	<-closed
	if h.IsOpen() {
		t.Fatalf("IsOpen=true after drop")
	}
}
