// Package peer negotiates the WebRTC connection to the realtime endpoint.
package peer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/vango-go/vai-rtc/pkg/rtc/media"
)

// DataChannel is the structured-message channel. Implementations deliver
// messages on OnMessage in the order received.
type DataChannel interface {
	Label() string
	IsOpen() bool
	SendText(text string) error
	OnOpen(fn func())
	OnClose(fn func())
	OnMessage(fn func(data []byte))
	Close() error
}

// Connection is the subset of a peer connection the negotiator and the
// session controller drive.
type Connection interface {
	AddTrack(track webrtc.TrackLocal) error
	CreateDataChannel(label string) (DataChannel, error)
	OnTrack(fn func(remote media.RemoteAudio))
	OnConnectionStateChange(fn func(state webrtc.PeerConnectionState))
	CreateOffer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	GatheringComplete() <-chan struct{}
	LocalDescription() *webrtc.SessionDescription
	SetRemoteDescription(desc webrtc.SessionDescription) error
	Close() error
}

// Factory creates a new, unconfigured peer connection.
type Factory func() (Connection, error)

// ICEServers converts a list of STUN/TURN URLs into pion's configuration.
func ICEServers(urls []string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return servers
}

// NewPionFactory returns a Factory backed by pion/webrtc.
func NewPionFactory(iceServers []string) Factory {
	cfg := webrtc.Configuration{ICEServers: ICEServers(iceServers)}
	return func() (Connection, error) {
		pc, err := webrtc.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return &pionConnection{pc: pc}, nil
	}
}

type pionConnection struct {
	pc *webrtc.PeerConnection

	gatherOnce sync.Once
	gathered   <-chan struct{}
}

func (c *pionConnection) AddTrack(track webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	// RTCP must be drained for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *pionConnection) CreateDataChannel(label string) (DataChannel, error) {
	dc, err := c.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return &pionChannel{dc: dc}, nil
}

func (c *pionConnection) OnTrack(fn func(remote media.RemoteAudio)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		fn(track)
	})
}

func (c *pionConnection) OnConnectionStateChange(fn func(state webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

func (c *pionConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *pionConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.gatherOnce.Do(func() {
		c.gathered = webrtc.GatheringCompletePromise(c.pc)
	})
	return c.pc.SetLocalDescription(desc)
}

func (c *pionConnection) GatheringComplete() <-chan struct{} {
	c.gatherOnce.Do(func() {
		c.gathered = webrtc.GatheringCompletePromise(c.pc)
	})
	return c.gathered
}

func (c *pionConnection) LocalDescription() *webrtc.SessionDescription {
	return c.pc.LocalDescription()
}

func (c *pionConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConnection) Close() error {
	if err := c.pc.Close(); err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}

type pionChannel struct {
	dc *webrtc.DataChannel
}

func (c *pionChannel) Label() string { return c.dc.Label() }

func (c *pionChannel) IsOpen() bool {
	return c.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (c *pionChannel) SendText(text string) error { return c.dc.SendText(text) }
func (c *pionChannel) OnOpen(fn func())           { c.dc.OnOpen(fn) }
func (c *pionChannel) OnClose(fn func())          { c.dc.OnClose(fn) }

func (c *pionChannel) OnMessage(fn func(data []byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (c *pionChannel) Close() error { return c.dc.Close() }
