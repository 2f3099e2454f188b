// Package media acquires local audio input and prepares playback sinks for
// remote audio.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/vango-go/vai-rtc/pkg/core"
)

var (
	ErrTrackStopped     = errors.New("local track already stopped")
	ErrSinkBound        = errors.New("playback sink already bound")
	ErrSinkReleased     = errors.New("playback sink released")
	ErrNoMicrophone     = errors.New("no audio input configured")
	ErrPermissionDenied = errors.New("microphone permission denied")
)

// OpusCodec is the capability advertised for the local audio track.
var OpusCodec = webrtc.RTPCodecCapability{
	MimeType:  webrtc.MimeTypeOpus,
	ClockRate: 48000,
	Channels:  2,
}

// LocalAudio is an acquired input track. Stop releases the device; a second
// Stop returns ErrTrackStopped.
type LocalAudio interface {
	Track() webrtc.TrackLocal
	Stop() error
}

// Microphone opens an input device. Acquire may block on a permission prompt.
type Microphone interface {
	Acquire(ctx context.Context) (LocalAudio, error)
}

// RemoteAudio is the subset of *webrtc.TrackRemote a sink consumes.
type RemoteAudio interface {
	ID() string
	StreamID() string
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// PlaybackSink is a scoped output for remote audio. At most one stream is
// bound; Release is called on every path out of an active session.
type PlaybackSink interface {
	Bind(remote RemoteAudio) error
	Release() error
}

// Acquirer combines a microphone with a sink factory.
type Acquirer struct {
	Microphone Microphone
	NewSink    func() (PlaybackSink, error)
}

// AcquireMicrophone opens the configured input. Failures are
// *core.MediaAccessError.
func (a *Acquirer) AcquireMicrophone(ctx context.Context) (LocalAudio, error) {
	if a == nil || a.Microphone == nil {
		return nil, &core.MediaAccessError{Cause: ErrNoMicrophone}
	}
	local, err := a.Microphone.Acquire(ctx)
	if err != nil {
		var mediaErr *core.MediaAccessError
		if errors.As(err, &mediaErr) {
			return nil, err
		}
		return nil, &core.MediaAccessError{Cause: err}
	}
	return local, nil
}

// CreatePlaybackSink returns a fresh sink; without a factory remote audio is
// discarded.
func (a *Acquirer) CreatePlaybackSink() (PlaybackSink, error) {
	if a == nil || a.NewSink == nil {
		return NewDiscardSink(), nil
	}
	sink, err := a.NewSink()
	if err != nil {
		return nil, fmt.Errorf("create playback sink: %w", err)
	}
	return sink, nil
}

// pumpSink drains a bound remote stream into write until the stream ends or
// the sink is released.
type pumpSink struct {
	mu       sync.Mutex
	bound    bool
	released bool
	write    func(*rtp.Packet) error
	close    func() error
	open     func() error
	done     chan struct{}
}

func (s *pumpSink) Bind(remote RemoteAudio) error {
	if remote == nil {
		return errors.New("remote audio is nil")
	}
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrSinkReleased
	}
	if s.bound {
		s.mu.Unlock()
		return ErrSinkBound
	}
	if s.open != nil {
		if err := s.open(); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.bound = true
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		for {
			pkt, _, err := remote.ReadRTP()
			if err != nil {
				return
			}
			s.mu.Lock()
			if s.released {
				s.mu.Unlock()
				return
			}
			if s.write != nil {
				_ = s.write(pkt)
			}
			s.mu.Unlock()
		}
	}()
	return nil
}

func (s *pumpSink) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrSinkReleased
	}
	s.released = true
	if s.bound && s.close != nil {
		return s.close()
	}
	return nil
}

// Bound reports whether a remote stream has been attached.
func (s *pumpSink) Bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// Released reports whether Release has run.
func (s *pumpSink) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// DiscardSink reads and drops remote audio so the transport buffers drain.
type DiscardSink struct {
	pumpSink
}

func NewDiscardSink() *DiscardSink {
	return &DiscardSink{pumpSink: pumpSink{done: make(chan struct{})}}
}
