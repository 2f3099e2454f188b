package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/vango-go/vai-rtc/pkg/core"
	"github.com/vango-go/vai-rtc/pkg/rtc/credential"
	"github.com/vango-go/vai-rtc/pkg/rtc/media"
)

// DefaultChannelLabel is the label the realtime endpoint expects for the
// event channel.
const DefaultChannelLabel = "oai-events"

// ErrEmptyAnswer is the cause when the signaling endpoint returns no
// description.
var ErrEmptyAnswer = errors.New("remote description is empty")

// Negotiator performs the offer/answer exchange.
type Negotiator struct {
	NewConnection Factory
	Signaler      Signaler
	ChannelLabel  string
	// Timeout bounds the whole negotiation when positive.
	Timeout time.Duration
	Logger  *slog.Logger
	Now     func() time.Time
}

// Result holds the resources produced by a successful negotiation. The
// caller owns both and must close them.
type Result struct {
	Connection Connection
	Channel    DataChannel
}

// Negotiate creates a connection carrying local, binds the first remote
// audio stream to sink, opens the event channel and exchanges descriptions.
// Every failure is a *core.NegotiationError and leaves nothing open.
//
// attach, when non-nil, receives the event channel as soon as it exists and
// before the remote description is committed, so no open notification or
// early message is missed.
func (n *Negotiator) Negotiate(ctx context.Context, local media.LocalAudio, sink media.PlaybackSink, cred credential.Credential, attach func(DataChannel)) (*Result, error) {
	if n == nil || n.NewConnection == nil || n.Signaler == nil {
		return nil, &core.NegotiationError{Stage: core.StageCreatePeer, Cause: errors.New("negotiator is not configured")}
	}
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now
	if n.Now != nil {
		now = n.Now
	}
	if cred.Expired(now()) {
		return nil, &core.NegotiationError{Stage: core.StageCredentialExpired, Cause: fmt.Errorf("credential expired at %s", cred.ExpiresAt.Format(time.RFC3339))}
	}
	if n.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.Timeout)
		defer cancel()
	}

	var (
		conn    Connection
		channel DataChannel
	)
	fail := func(stage string, cause error) (*Result, error) {
		if channel != nil {
			if err := channel.Close(); err != nil {
				logger.Debug("close channel after failed negotiation", "error", err)
			}
		}
		if conn != nil {
			if err := conn.Close(); err != nil {
				logger.Debug("close connection after failed negotiation", "error", err)
			}
		}
		return nil, stageError(ctx, stage, cause)
	}
	if err := ctx.Err(); err != nil {
		return fail(core.StageCreatePeer, err)
	}

	conn, err := n.NewConnection()
	if err != nil {
		conn = nil
		return fail(core.StageCreatePeer, err)
	}

	var bindOnce sync.Once
	conn.OnTrack(func(remote media.RemoteAudio) {
		bound := false
		bindOnce.Do(func() {
			bound = true
			if sink == nil {
				return
			}
			if err := sink.Bind(remote); err != nil {
				logger.Warn("bind remote audio", "track_id", remote.ID(), "error", err)
			}
		})
		if !bound {
			logger.Debug("ignoring additional remote track", "track_id", remote.ID(), "stream_id", remote.StreamID())
		}
	})

	if local != nil {
		if err := conn.AddTrack(local.Track()); err != nil {
			return fail(core.StageAddTrack, err)
		}
	}

	label := strings.TrimSpace(n.ChannelLabel)
	if label == "" {
		label = DefaultChannelLabel
	}
	channel, err = conn.CreateDataChannel(label)
	if err != nil {
		channel = nil
		return fail(core.StageCreateChannel, err)
	}
	if attach != nil {
		attach(channel)
	}

	offer, err := conn.CreateOffer()
	if err != nil {
		return fail(core.StageCreateOffer, err)
	}
	if err := conn.SetLocalDescription(offer); err != nil {
		return fail(core.StageCommitLocal, err)
	}
	select {
	case <-conn.GatheringComplete():
	case <-ctx.Done():
		return fail(core.StageGatherCandidates, ctx.Err())
	}
	localDesc := conn.LocalDescription()
	if localDesc == nil || strings.TrimSpace(localDesc.SDP) == "" {
		return fail(core.StageCommitLocal, errors.New("local description is empty"))
	}

	answer, err := n.Signaler.Exchange(ctx, localDesc.SDP, cred)
	if err != nil {
		return fail(core.StageSignaling, err)
	}
	if strings.TrimSpace(answer) == "" {
		return fail(core.StageCommitRemote, ErrEmptyAnswer)
	}
	if err := conn.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fail(core.StageCommitRemote, err)
	}
	if err := ctx.Err(); err != nil {
		return fail(core.StageCommitRemote, err)
	}

	logger.Debug("negotiation complete", "channel", label)
	return &Result{Connection: conn, Channel: channel}, nil
}

// stageError reports an expired deadline as the timeout stage and a
// cancellation as the canceled stage regardless of which step observed it.
func stageError(ctx context.Context, stage string, cause error) *core.NegotiationError {
	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		return &core.NegotiationError{Stage: core.StageTimeout, Cause: fmt.Errorf("%w during %s: %v", core.ErrTimeout, stage, cause)}
	case errors.Is(ctxErr, context.Canceled):
		return &core.NegotiationError{Stage: core.StageCanceled, Cause: ctxErr}
	}
	return &core.NegotiationError{Stage: stage, Cause: cause}
}
