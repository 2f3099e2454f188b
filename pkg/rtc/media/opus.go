package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/vango-go/vai-rtc/pkg/core"
)

const (
	opusFrame       = 20 * time.Millisecond
	trackID         = "audio"
	trackStreamID   = "vai-rtc"
	opusClockRate   = 48000
	opusChannelsOut = 2
)

// opusSilence is a single 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// localTrack pumps samples into a static sample track until stopped.
type localTrack struct {
	track   *webrtc.TrackLocalStaticSample
	cancel  context.CancelFunc
	done    chan struct{}
	closer  io.Closer
	stopped bool
	mu      sync.Mutex
}

func newLocalTrack() (*localTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(OpusCodec, trackID, trackStreamID)
	if err != nil {
		return nil, err
	}
	return &localTrack{track: track, done: make(chan struct{})}, nil
}

func (l *localTrack) Track() webrtc.TrackLocal { return l.track }

func (l *localTrack) Stop() error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrTrackStopped
	}
	l.stopped = true
	cancel := l.cancel
	closer := l.closer
	l.mu.Unlock()

	if cancel != nil {
		cancel()
		<-l.done
	}
	if closer != nil {
		return closer.Close()
	}
	return nil
}

func (l *localTrack) run(parent context.Context, next func() (pionmedia.Sample, error)) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(opusFrame)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			sample, err := next()
			if err != nil {
				return
			}
			if err := l.track.WriteSample(sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				return
			}
		}
	}()
}

// SilenceMicrophone produces a track carrying Opus silence. It stands in for
// a capture device when no input file is configured.
type SilenceMicrophone struct{}

func (SilenceMicrophone) Acquire(ctx context.Context) (LocalAudio, error) {
	if err := ctx.Err(); err != nil {
		return nil, &core.MediaAccessError{Device: "silence", Cause: err}
	}
	local, err := newLocalTrack()
	if err != nil {
		return nil, &core.MediaAccessError{Device: "silence", Cause: err}
	}
	local.run(ctx, func() (pionmedia.Sample, error) {
		return pionmedia.Sample{Data: opusSilence, Duration: opusFrame}, nil
	})
	return local, nil
}

// OggFileMicrophone streams an Ogg/Opus file as the local audio track. When
// Loop is set the file restarts at EOF; otherwise the track goes quiet.
type OggFileMicrophone struct {
	Path string
	Loop bool
}

func (m OggFileMicrophone) Acquire(ctx context.Context) (LocalAudio, error) {
	if err := ctx.Err(); err != nil {
		return nil, &core.MediaAccessError{Device: m.Path, Cause: err}
	}
	file, reader, err := openOgg(m.Path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			err = fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, &core.MediaAccessError{Device: m.Path, Cause: err}
	}
	local, err := newLocalTrack()
	if err != nil {
		_ = file.Close()
		return nil, &core.MediaAccessError{Device: m.Path, Cause: err}
	}

	var lastGranule uint64
	var mu sync.Mutex
	local.closer = closerFunc(func() error {
		mu.Lock()
		defer mu.Unlock()
		return file.Close()
	})
	local.run(ctx, func() (pionmedia.Sample, error) {
		mu.Lock()
		defer mu.Unlock()
		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) && m.Loop {
			_ = file.Close()
			file, reader, err = openOgg(m.Path)
			if err != nil {
				return pionmedia.Sample{}, err
			}
			lastGranule = 0
			page, header, err = reader.ParseNextPage()
		}
		if errors.Is(err, io.EOF) {
			return pionmedia.Sample{Data: opusSilence, Duration: opusFrame}, nil
		}
		if err != nil {
			return pionmedia.Sample{}, err
		}
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples) / opusClockRate * float64(time.Second))
		if duration <= 0 {
			duration = opusFrame
		}
		return pionmedia.Sample{Data: page, Duration: duration}, nil
	})
	return local, nil
}

func openOgg(path string) (*os.File, *oggreader.OggReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	reader, _, err := oggreader.NewWith(file)
	if err != nil {
		_ = file.Close()
		return nil, nil, fmt.Errorf("read ogg header: %w", err)
	}
	return file, reader, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// OggRecorderSink writes the remote stream to an Ogg/Opus file. The file is
// created on Bind.
type OggRecorderSink struct {
	pumpSink
	Path string
}

func NewOggRecorderSink(path string) *OggRecorderSink {
	s := &OggRecorderSink{Path: path}
	s.pumpSink.done = make(chan struct{})
	var writer *oggwriter.OggWriter
	s.pumpSink.open = func() error {
		w, err := oggwriter.New(s.Path, opusClockRate, opusChannelsOut)
		if err != nil {
			return fmt.Errorf("open recording %s: %w", s.Path, err)
		}
		writer = w
		return nil
	}
	s.pumpSink.write = func(pkt *rtp.Packet) error {
		return writer.WriteRTP(pkt)
	}
	s.pumpSink.close = func() error {
		return writer.Close()
	}
	return s
}
