package media

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// TrackKind identifies the media kind carried by a track.
type TrackKind string

const (
	KindVideo TrackKind = "video"
	KindAudio TrackKind = "audio"
)

// ReadyState reports whether a track is still producing media.
type ReadyState string

const (
	ReadyStateLive  ReadyState = "live"
	ReadyStateEnded ReadyState = "ended"
)

// TrackEvent is delivered to track listeners when the environment changes a
// track underneath us (device unplugged, permission revoked, OS suspend).
type TrackEvent string

const (
	TrackEnded   TrackEvent = "ended"
	TrackMuted   TrackEvent = "mute"
	TrackUnmuted TrackEvent = "unmute"
)

// Device acquisition errors. Providers must return one of these (possibly
// wrapped) so the controller and recording session can classify failures.
var (
	// ErrPermissionDenied is returned when the user or OS refuses access to
	// a device kind.
	ErrPermissionDenied = errors.New("device access denied")

	// ErrDeviceNotFound is returned when no device of the requested kind exists.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrDeviceBusy is returned when the device exists but is held by
	// another process.
	ErrDeviceBusy = errors.New("device busy")
)

// DeviceProvider acquires live tracks from the underlying capture hardware.
// Video and audio are always requested separately so a partial grant (one
// kind denied, the other allowed) still yields a usable stream.
type DeviceProvider interface {
	// AcquireTrack requests access to a device of the given kind and returns
	// a live track. The request may block for an unbounded time (permission
	// prompts); the context bounds it.
	AcquireTrack(ctx context.Context, kind TrackKind) (*Track, error)
}

// CaptureFactory opens a capture against a stream. Errors from NewCapture
// and Capture.Start are classified with the sentinel errors above.
type CaptureFactory interface {
	NewCapture(stream *Stream) (Capture, error)
}

// Capture records media from a stream and delivers encoded chunks.
// Implementations must be safe to Stop more than once.
type Capture interface {
	// Start begins capturing. onChunk is called from the capture's own
	// goroutine with each encoded data chunk.
	Start(onChunk func(chunk []byte)) error

	// Stop ends the capture and flushes any buffered data through onChunk
	// before returning.
	Stop() error
}

// Track is one media channel within a stream. Its ready state is owned by
// the environment (the provider ends it on device loss) and by the
// controller (which stops it on release); the enabled flag is a consumer
// toggle independent of ready state.
type Track struct {
	id   string
	kind TrackKind

	mu        sync.Mutex
	ready     ReadyState
	enabled   bool
	muted     bool
	listeners []func(TrackEvent)
}

// NewTrack returns a live, enabled track of the given kind.
func NewTrack(kind TrackKind) *Track {
	return &Track{
		id:      uuid.NewString(),
		kind:    kind,
		ready:   ReadyStateLive,
		enabled: true,
	}
}

// ID returns the track's unique identifier.
func (t *Track) ID() string { return t.id }

// Kind returns the track's media kind.
func (t *Track) Kind() TrackKind { return t.kind }

// ReadyState returns whether the track is live or ended.
func (t *Track) ReadyState() ReadyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// Enabled reports the consumer toggle flag.
func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled flips the consumer toggle flag. It does not affect ready state.
func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

// Muted reports whether the environment has muted the track.
func (t *Track) Muted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted
}

// Stop ends the track from the owner's side. No events fire: stopping your
// own track is not a device failure. Idempotent.
func (t *Track) Stop() {
	t.mu.Lock()
	t.ready = ReadyStateEnded
	t.mu.Unlock()
}

// Subscribe registers a listener for environment-driven track events.
func (t *Track) Subscribe(fn func(TrackEvent)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// EndFromDevice marks the track ended as if the physical device disconnected
// or permission was revoked, and notifies listeners. Providers call this;
// consumers use Stop.
func (t *Track) EndFromDevice() {
	t.mu.Lock()
	if t.ready == ReadyStateEnded {
		t.mu.Unlock()
		return
	}
	t.ready = ReadyStateEnded
	listeners := append([]func(TrackEvent){}, t.listeners...)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(TrackEnded)
	}
}

// SetMutedFromDevice flips the environment mute flag and notifies listeners.
func (t *Track) SetMutedFromDevice(muted bool) {
	t.mu.Lock()
	if t.muted == muted {
		t.mu.Unlock()
		return
	}
	t.muted = muted
	listeners := append([]func(TrackEvent){}, t.listeners...)
	t.mu.Unlock()

	ev := TrackUnmuted
	if muted {
		ev = TrackMuted
	}
	for _, fn := range listeners {
		fn(ev)
	}
}

// Stream is the combined camera+microphone capture handle shared across
// screens: at most one video track and one audio track.
type Stream struct {
	id     string
	tracks []*Track
}

// NewStream combines the given tracks into one logical stream. Nil tracks
// are skipped.
func NewStream(tracks ...*Track) *Stream {
	s := &Stream{id: uuid.NewString()}
	for _, t := range tracks {
		if t != nil {
			s.tracks = append(s.tracks, t)
		}
	}
	return s
}

// ID returns the stream's unique identifier.
func (s *Stream) ID() string { return s.id }

// Active reports whether at least one track is still live.
func (s *Stream) Active() bool {
	for _, t := range s.tracks {
		if t.ReadyState() == ReadyStateLive {
			return true
		}
	}
	return false
}

// Tracks returns all tracks in the stream.
func (s *Stream) Tracks() []*Track {
	out := make([]*Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// TrackOf returns the first track of the given kind, or nil.
func (s *Stream) TrackOf(kind TrackKind) *Track {
	for _, t := range s.tracks {
		if t.kind == kind {
			return t
		}
	}
	return nil
}

// StopTracks ends every track in the stream. Only the stream's owner (the
// controller) may call this.
func (s *Stream) StopTracks() {
	for _, t := range s.tracks {
		t.Stop()
	}
}
