package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"exam-recorder/internal/platform/metrics"
)

// Status is the full readiness picture of the device stream, recomputed from
// current track state on every check. It is never updated incrementally, so
// racing event callbacks and polls converge on the same answer.
type Status struct {
	HasStream    bool
	VideoReady   bool
	AudioReady   bool
	VideoEnabled bool
	AudioEnabled bool

	// Fault holds a human-readable description of the last acquisition
	// failure, empty while the stream is healthy.
	Fault string
}

// Ready reports whether both media kinds have a live track. Start and
// continue actions are gated on this.
func (s Status) Ready() bool {
	return s.VideoReady && s.AudioReady
}

// Controller owns the one device stream: acquisition, status checking,
// track toggling, and release. At most one stream is held at a time, and at
// most one acquisition is in flight; overlapping Acquire calls coalesce onto
// the pending one.
type Controller struct {
	provider DeviceProvider
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	stream    *Stream
	acquiring bool
	epoch     int
	fault     string
	subs      []func(Status)
}

// NewController returns a Controller using the given provider. Metrics may
// be nil to disable metric recording (e.g. in tests).
func NewController(provider DeviceProvider, log *slog.Logger, m *metrics.Metrics) *Controller {
	return &Controller{provider: provider, log: log, metrics: m}
}

// Subscribe registers fn to receive the recomputed status after every check,
// toggle, acquisition, and release. fn must not block.
func (c *Controller) Subscribe(fn func(Status)) {
	c.mu.Lock()
	c.subs = append(c.subs, fn)
	c.mu.Unlock()
}

// Stream returns the current device stream, or nil if none is held. The
// caller borrows it: reading track state and toggling enabled is fine,
// stopping tracks is not.
func (c *Controller) Stream() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// Acquire requests video and audio access independently and combines
// whatever was granted into one stream. A partial grant (one kind denied)
// still yields a stream with the granted track; only a double failure
// returns an error. Any previously held stream is fully released first.
//
// If an acquisition is already in flight the call coalesces: it returns nil
// immediately and the pending acquisition's outcome stands.
func (c *Controller) Acquire(ctx context.Context) error {
	c.mu.Lock()
	if c.acquiring {
		c.mu.Unlock()
		c.log.Debug("acquire already in flight, coalescing")
		return nil
	}
	c.acquiring = true
	epoch := c.epoch
	prev := c.stream
	c.stream = nil
	c.mu.Unlock()

	if prev != nil {
		prev.StopTracks()
	}
	if c.metrics != nil {
		c.metrics.IncAcquisitions()
	}

	video, verr := c.provider.AcquireTrack(ctx, KindVideo)
	if verr != nil {
		c.log.Warn("video acquisition failed", "error", verr)
	}
	audio, aerr := c.provider.AcquireTrack(ctx, KindAudio)
	if aerr != nil {
		c.log.Warn("audio acquisition failed", "error", aerr)
	}

	c.mu.Lock()
	c.acquiring = false

	if epoch != c.epoch {
		// Released (logout/teardown) while the request was pending. Drop
		// whatever was granted so no orphaned stream survives.
		c.mu.Unlock()
		if video != nil {
			video.Stop()
		}
		if audio != nil {
			audio.Stop()
		}
		c.log.Info("acquisition abandoned after release")
		return nil
	}

	if video == nil && audio == nil {
		err := verr
		if err == nil {
			err = aerr
		}
		c.fault = "camera and microphone unavailable: " + err.Error()
		c.mu.Unlock()
		c.notify()
		return fmt.Errorf("acquire devices: %w", err)
	}

	c.stream = NewStream(video, audio)
	c.fault = ""
	for _, t := range c.stream.Tracks() {
		c.bindTrackEvents(t)
	}
	c.mu.Unlock()

	c.log.Info("device stream acquired",
		"stream_id", c.Stream().ID(),
		"video", video != nil,
		"audio", audio != nil,
	)
	c.notify()
	return nil
}

// CheckStatus recomputes the status from current track state and emits it to
// subscribers. An ended track is a recoverable fault: a fresh acquisition is
// kicked off in the background instead of just reporting the stale state.
func (c *Controller) CheckStatus() Status {
	st := c.Status()
	if c.hasEndedTrack() {
		c.log.Warn("ended track detected, re-acquiring devices")
		if c.metrics != nil {
			c.metrics.IncStreamRecoveries()
		}
		go func() {
			if err := c.Acquire(context.Background()); err != nil {
				c.log.Error("stream recovery failed", "error", err)
			}
		}()
	}
	c.notify()
	return st
}

// Status computes the current readiness flags without side effects.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Toggle flips the enabled flag of all tracks of the given kind. A no-op if
// no stream or no track of that kind exists. Subscribers see the updated
// status before Toggle returns.
func (c *Controller) Toggle(kind TrackKind) {
	c.mu.Lock()
	if c.stream != nil {
		for _, t := range c.stream.Tracks() {
			if t.Kind() == kind {
				t.SetEnabled(!t.Enabled())
			}
		}
	}
	c.mu.Unlock()
	c.notify()
}

// Release stops and discards all tracks of the current stream and abandons
// any in-flight acquisition: when that request eventually resolves, its
// tracks are stopped instead of installed. Safe to call repeatedly.
func (c *Controller) Release() {
	c.mu.Lock()
	c.epoch++
	prev := c.stream
	c.stream = nil
	c.fault = ""
	c.mu.Unlock()

	if prev != nil {
		prev.StopTracks()
		c.log.Info("device stream released", "stream_id", prev.ID())
	}
	c.notify()
}

func (c *Controller) statusLocked() Status {
	st := Status{Fault: c.fault}
	if c.stream == nil {
		return st
	}
	st.HasStream = true
	if t := c.stream.TrackOf(KindVideo); t != nil {
		st.VideoReady = t.ReadyState() == ReadyStateLive
		st.VideoEnabled = t.Enabled()
	}
	if t := c.stream.TrackOf(KindAudio); t != nil {
		st.AudioReady = t.ReadyState() == ReadyStateLive
		st.AudioEnabled = t.Enabled()
	}
	return st
}

func (c *Controller) hasEndedTrack() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return false
	}
	for _, t := range c.stream.Tracks() {
		if t.ReadyState() == ReadyStateEnded {
			return true
		}
	}
	return false
}

// bindTrackEvents wires environment-driven track events into the same
// recompute path the polls use. The event path gives low latency; the polls
// remain the backstop against missed events.
func (c *Controller) bindTrackEvents(t *Track) {
	kind := t.Kind()
	t.Subscribe(func(ev TrackEvent) {
		c.log.Debug("track event", "kind", string(kind), "event", string(ev))
		if ev == TrackEnded {
			c.CheckStatus()
			return
		}
		c.notify()
	})
}

// notify recomputes the status once and delivers it to every subscriber.
func (c *Controller) notify() {
	c.mu.Lock()
	st := c.statusLocked()
	subs := append([]func(Status){}, c.subs...)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetStreamReadiness(st.VideoReady, st.AudioReady)
	}
	for _, fn := range subs {
		fn(st)
	}
}
