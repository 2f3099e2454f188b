// Package rtctest provides in-memory peer connections, channels and media
// for exercising the session stack without network or audio devices.
package rtctest

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/vango-go/vai-rtc/pkg/rtc/credential"
	"github.com/vango-go/vai-rtc/pkg/rtc/media"
	"github.com/vango-go/vai-rtc/pkg/rtc/peer"
)

var ErrAlreadyClosed = errors.New("already closed")

// Channel is an in-memory peer.DataChannel. Open, Deliver and Drop simulate
// transport events.
type Channel struct {
	mu        sync.Mutex
	label     string
	open      bool
	closed    bool
	sent      []string
	onOpen    func()
	onClose   func()
	onMessage func([]byte)

	SendErr error
}

func NewChannel(label string) *Channel { return &Channel{label: label} }

func (c *Channel) Label() string { return c.label }

func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *Channel) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return io.ErrClosedPipe
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, text)
	return nil
}

// OnOpen fires fn asynchronously when the channel is already open.
func (c *Channel) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	open := c.open
	c.mu.Unlock()
	if open && fn != nil {
		go fn()
	}
}

func (c *Channel) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *Channel) OnMessage(fn func(data []byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.closed = true
	wasOpen := c.open
	c.open = false
	fn := c.onClose
	c.mu.Unlock()
	if wasOpen && fn != nil {
		fn()
	}
	return nil
}

// Open marks the channel open and fires the open callback.
func (c *Channel) Open() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.open = true
	fn := c.onOpen
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Deliver hands one inbound message to the registered handler.
func (c *Channel) Deliver(data string) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn([]byte(data))
	}
}

// Drop simulates the remote side closing the channel.
func (c *Channel) Drop() {
	c.mu.Lock()
	wasOpen := c.open
	c.open = false
	fn := c.onClose
	c.mu.Unlock()
	if wasOpen && fn != nil {
		fn()
	}
}

func (c *Channel) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Connection is an in-memory peer.Connection. Step errors are injected via
// the exported fields before negotiation.
type Connection struct {
	mu       sync.Mutex
	channel  *Channel
	tracks   []webrtc.TrackLocal
	remote   *webrtc.SessionDescription
	local    *webrtc.SessionDescription
	closed   int
	onTrack  func(media.RemoteAudio)
	onState  func(webrtc.PeerConnectionState)
	gathered chan struct{}

	AddTrackErr      error
	CreateChannelErr error
	CreateOfferErr   error
	SetLocalErr      error
	SetRemoteErr     error
	// HoldGathering keeps candidate gathering pending until Gather is called.
	HoldGathering bool
}

func NewConnection() *Connection {
	return &Connection{gathered: make(chan struct{})}
}

// Factory returns a peer.Factory yielding c once. A second call fails.
func (c *Connection) Factory() peer.Factory {
	var once sync.Once
	return func() (peer.Connection, error) {
		var conn peer.Connection
		once.Do(func() { conn = c })
		if conn == nil {
			return nil, errors.New("connection already created")
		}
		return conn, nil
	}
}

func (c *Connection) AddTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.AddTrackErr != nil {
		return c.AddTrackErr
	}
	c.tracks = append(c.tracks, track)
	return nil
}

func (c *Connection) CreateDataChannel(label string) (peer.DataChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CreateChannelErr != nil {
		return nil, c.CreateChannelErr
	}
	c.channel = NewChannel(label)
	return c.channel, nil
}

func (c *Connection) OnTrack(fn func(remote media.RemoteAudio)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Connection) OnConnectionStateChange(fn func(state webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	if c.CreateOfferErr != nil {
		return webrtc.SessionDescription{}, c.CreateOfferErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\n"}, nil
}

func (c *Connection) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SetLocalErr != nil {
		return c.SetLocalErr
	}
	c.local = &desc
	if !c.HoldGathering {
		c.closeGathered()
	}
	return nil
}

func (c *Connection) closeGathered() {
	select {
	case <-c.gathered:
	default:
		close(c.gathered)
	}
}

// Gather completes a held candidate gathering.
func (c *Connection) Gather() {
	c.mu.Lock()
	c.closeGathered()
	c.mu.Unlock()
}

func (c *Connection) GatheringComplete() <-chan struct{} { return c.gathered }

func (c *Connection) LocalDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *Connection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SetRemoteErr != nil {
		return c.SetRemoteErr
	}
	c.remote = &desc
	return nil
}

func (c *Connection) Close() error {
	c.mu.Lock()
	c.closed++
	n := c.closed
	fn := c.onState
	c.mu.Unlock()
	if n > 1 {
		return ErrAlreadyClosed
	}
	if fn != nil {
		fn(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

// EmitTrack fires the remote-track callback.
func (c *Connection) EmitTrack(remote media.RemoteAudio) {
	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	if fn != nil {
		fn(remote)
	}
}

// SetState fires the connection-state callback.
func (c *Connection) SetState(state webrtc.PeerConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (c *Connection) Channel() *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

func (c *Connection) Tracks() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), c.tracks...)
}

func (c *Connection) Remote() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed > 0
}

// Signaler answers every offer with Answer, or fails with Err. When Block is
// set, Exchange waits for ctx or Release.
type Signaler struct {
	mu      sync.Mutex
	Answer  string
	Err     error
	Block   bool
	release chan struct{}
	offers  []string
	tokens  []string
}

func (s *Signaler) Exchange(ctx context.Context, offerSDP string, cred credential.Credential) (string, error) {
	s.mu.Lock()
	s.offers = append(s.offers, offerSDP)
	s.tokens = append(s.tokens, cred.Value)
	block := s.Block
	if block && s.release == nil {
		s.release = make(chan struct{})
	}
	release := s.release
	s.mu.Unlock()

	if block {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-release:
		}
	}
	if s.Err != nil {
		return "", s.Err
	}
	return s.Answer, nil
}

// Release unblocks pending exchanges.
func (s *Signaler) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.release == nil {
		s.release = make(chan struct{})
	}
	select {
	case <-s.release:
	default:
		close(s.release)
	}
}

func (s *Signaler) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

// LocalAudio is an acquired track that counts Stop calls.
type LocalAudio struct {
	mu    sync.Mutex
	track webrtc.TrackLocal
	stops int
}

func NewLocalAudio() *LocalAudio {
	track, err := webrtc.NewTrackLocalStaticSample(media.OpusCodec, "audio", "rtctest")
	if err != nil {
		panic(err)
	}
	return &LocalAudio{track: track}
}

func (l *LocalAudio) Track() webrtc.TrackLocal { return l.track }

func (l *LocalAudio) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stops++
	if l.stops > 1 {
		return media.ErrTrackStopped
	}
	return nil
}

func (l *LocalAudio) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stops > 0
}

// Microphone hands out Audio, blocks until Release when Block is set, or
// fails with Err.
type Microphone struct {
	mu      sync.Mutex
	Audio   *LocalAudio
	Err     error
	Block   bool
	release chan struct{}
	calls   int
}

func (m *Microphone) Acquire(ctx context.Context) (media.LocalAudio, error) {
	m.mu.Lock()
	m.calls++
	if m.Block && m.release == nil {
		m.release = make(chan struct{})
	}
	release := m.release
	block := m.Block
	m.mu.Unlock()
	if block {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Audio == nil {
		m.Audio = NewLocalAudio()
	}
	return m.Audio, nil
}

func (m *Microphone) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.release == nil {
		m.release = make(chan struct{})
	}
	select {
	case <-m.release:
	default:
		close(m.release)
	}
}

// Sink records binding and release.
type Sink struct {
	mu       sync.Mutex
	bound    []media.RemoteAudio
	released int
}

func (s *Sink) Bind(remote media.RemoteAudio) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.bound) > 0 {
		return media.ErrSinkBound
	}
	s.bound = append(s.bound, remote)
	return nil
}

func (s *Sink) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
	if s.released > 1 {
		return media.ErrSinkReleased
	}
	return nil
}

func (s *Sink) Bound() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bound)
}

func (s *Sink) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released > 0
}

// Remote is a remote audio stream that ends immediately.
type Remote struct{ Name string }

func (r Remote) ID() string       { return r.Name }
func (r Remote) StreamID() string { return r.Name + "-stream" }
func (r Remote) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, io.EOF
}

// Credentials returns a fixed credential or error.
type Credentials struct {
	mu    sync.Mutex
	Value credential.Credential
	Err   error
	calls int
}

func (c *Credentials) Fetch(ctx context.Context) (credential.Credential, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return credential.Credential{}, err
	}
	if c.Err != nil {
		return credential.Credential{}, c.Err
	}
	return c.Value, nil
}

func (c *Credentials) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
