package media

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/vango-go/vai-rtc/pkg/core"
)

type fakeRemote struct {
	mu      sync.Mutex
	packets []*rtp.Packet
}

func (f *fakeRemote) ID() string       { return "remote-audio" }
func (f *fakeRemote) StreamID() string { return "remote-stream" }

func (f *fakeRemote) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.packets) == 0 {
		return nil, nil, io.EOF
	}
	pkt := f.packets[0]
	f.packets = f.packets[1:]
	return pkt, nil, nil
}

func opusPackets(n int) []*rtp.Packet {
	out := make([]*rtp.Packet, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &rtp.Packet{
			Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: uint16(i), Timestamp: uint32(i * 960), SSRC: 1},
			Payload: opusSilence,
		})
	}
	return out
}

type failingMic struct{ err error }

func (m failingMic) Acquire(context.Context) (LocalAudio, error) { return nil, m.err }

func TestAcquirer_WrapsMicrophoneFailures(t *testing.T) {
	denied := errors.New("user denied permission")
	a := &Acquirer{Microphone: failingMic{err: denied}}

	_, err := a.AcquireMicrophone(context.Background())
	var mediaErr *core.MediaAccessError
	if !errors.As(err, &mediaErr) || !errors.Is(err, denied) {
		t.Fatalf("err=%v", err)
	}

	_, err = (&Acquirer{}).AcquireMicrophone(context.Background())
	if !errors.As(err, &mediaErr) || !errors.Is(err, ErrNoMicrophone) {
		t.Fatalf("err=%v", err)
	}
}

func TestAcquirer_DefaultSinkDiscards(t *testing.T) {
	sink, err := (&Acquirer{}).CreatePlaybackSink()
	if err != nil {
		t.Fatalf("CreatePlaybackSink: %v", err)
	}
	if _, ok := sink.(*DiscardSink); !ok {
		t.Fatalf("sink=%T", sink)
	}
}

func TestSilenceMicrophone_StopTwice(t *testing.T) {
	local, err := SilenceMicrophone{}.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if local.Track() == nil || local.Track().ID() != "audio" {
		t.Fatalf("track=%v", local.Track())
	}

	if err := local.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := local.Stop(); !errors.Is(err, ErrTrackStopped) {
		t.Fatalf("second Stop=%v", err)
	}
}

func TestOggFileMicrophone_MissingFile(t *testing.T) {
	_, err := OggFileMicrophone{Path: filepath.Join(t.TempDir(), "missing.ogg")}.Acquire(context.Background())
	var mediaErr *core.MediaAccessError
	if !errors.As(err, &mediaErr) || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err=%v", err)
	}
}

func TestOggFileMicrophone_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := OggFileMicrophone{Path: "unused.ogg"}.Acquire(ctx)
	var mediaErr *core.MediaAccessError
	if !errors.As(err, &mediaErr) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
}

func TestDiscardSink_BindsOnce(t *testing.T) {
	sink := NewDiscardSink()
	if err := sink.Bind(&fakeRemote{packets: opusPackets(3)}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := sink.Bind(&fakeRemote{}); !errors.Is(err, ErrSinkBound) {
		t.Fatalf("second Bind=%v", err)
	}

	select {
	case <-sink.done:
	case <-time.After(time.Second):
		t.Fatal("pump did not exit at end of stream")
	}

	if err := sink.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !sink.Released() {
		t.Fatalf("expected released")
	}
	if err := sink.Release(); !errors.Is(err, ErrSinkReleased) {
		t.Fatalf("second Release=%v", err)
	}
	if err := sink.Bind(&fakeRemote{}); !errors.Is(err, ErrSinkReleased) {
		t.Fatalf("Bind after Release=%v", err)
	}
}

func TestOggRecorder_RecordsAndReplays(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remote.ogg")
	sink := NewOggRecorderSink(path)
	if err := sink.Bind(&fakeRemote{packets: opusPackets(5)}); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	select {
	case <-sink.done:
	case <-time.After(time.Second):
		t.Fatal("recorder did not drain stream")
	}
	if err := sink.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("recording is empty")
	}

	local, err := OggFileMicrophone{Path: path}.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	time.Sleep(3 * opusFrame)
	if err := local.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestOggRecorder_ReleaseWithoutBind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never.ogg")
	sink := NewOggRecorderSink(path)
	if err := sink.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("Stat=%v", err)
	}
}
