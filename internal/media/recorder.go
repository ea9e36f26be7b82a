package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState is the recording session lifecycle state. Finished and Error
// are terminal.
type SessionState string

const (
	StatePreparing SessionState = "preparing"
	StateRecording SessionState = "recording"
	StateFinished  SessionState = "finished"
	StateError     SessionState = "error"
)

// ErrorCause classifies why a session entered the error state.
type ErrorCause string

const (
	CauseNoStream       ErrorCause = "no-stream"
	CauseNoTracks       ErrorCause = "no-tracks"
	CauseEndedTracks    ErrorCause = "ended-tracks"
	CauseHardwareBusy   ErrorCause = "hardware-busy"
	CauseAccessDenied   ErrorCause = "access-denied"
	CauseDeviceNotFound ErrorCause = "device-not-found"
	CauseDeviceBusy     ErrorCause = "device-busy"
	CauseStreamLost     ErrorCause = "stream-lost"
)

// Clip is the immutable result of a finished recording session.
type Clip struct {
	ID            string
	SessionNumber int
	Data          []byte
	CreatedAt     time.Time
}

// Empty reports whether the clip carries no data (forced completion out of
// an error state).
func (c Clip) Empty() bool { return len(c.Data) == 0 }

const (
	// DefaultCountdown is the fixed recording budget per session.
	DefaultCountdown = 60 * time.Second

	// DefaultTickInterval is the countdown resolution.
	DefaultTickInterval = time.Second

	// DefaultHealthInterval is the in-session stream health check cadence.
	DefaultHealthInterval = 2 * time.Second
)

// SessionConfig controls session timing. Zero values pick defaults. Tests
// shrink these to keep timer-driven paths fast.
type SessionConfig struct {
	Countdown      time.Duration
	TickInterval   time.Duration
	HealthInterval time.Duration
}

func (c *SessionConfig) setDefaults() {
	if c.Countdown <= 0 {
		c.Countdown = DefaultCountdown
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
}

// Session drives one timed recording against a borrowed stream:
// preparing -> recording -> finished | error. The stream is never stopped
// here; it belongs to the controller.
type Session struct {
	number   int
	stream   *Stream
	captures CaptureFactory
	cfg      SessionConfig
	log      *slog.Logger

	chunksMu sync.Mutex
	chunks   [][]byte

	mu         sync.Mutex
	state      SessionState
	cause      ErrorCause
	remaining  int
	capture    Capture
	cancel     context.CancelFunc
	completed  bool
	abandoned  bool
	clip       *Clip
	onFinished func(Clip)
	onError    func(ErrorCause)
}

// NewSession returns a session for the given 1-based session number over the
// borrowed stream.
func NewSession(number int, stream *Stream, captures CaptureFactory, cfg SessionConfig, log *slog.Logger) *Session {
	cfg.setDefaults()
	return &Session{
		number:   number,
		stream:   stream,
		captures: captures,
		cfg:      cfg,
		log:      log,
		state:    StatePreparing,
	}
}

// Number returns the session's 1-based number.
func (s *Session) Number() int { return s.number }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cause returns the error cause, empty unless State is error (or was when
// the session was force-finished).
func (s *Session) Cause() ErrorCause {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Remaining returns the countdown ticks left (seconds at the default
// resolution).
func (s *Session) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining
}

// Result returns the produced clip, present only once the session finished.
func (s *Session) Result() (Clip, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clip == nil {
		return Clip{}, false
	}
	return *s.clip, true
}

// OnFinished registers the completion callback. It fires exactly once, with
// either the captured clip or the forced empty clip.
func (s *Session) OnFinished(fn func(Clip)) {
	s.mu.Lock()
	s.onFinished = fn
	s.mu.Unlock()
}

// OnError registers the error callback, fired when the session transitions
// to the error state.
func (s *Session) OnError(fn func(ErrorCause)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

// Start validates the borrowed stream and begins capturing. Validation or
// capture setup failure moves the session to the error state (the cause is
// also returned); the flow is expected to let the user force-finish past it.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StatePreparing {
		s.mu.Unlock()
		return fmt.Errorf("session %d already started", s.number)
	}
	s.mu.Unlock()

	if cause, ok := s.validateStream(); !ok {
		s.fail(cause)
		return fmt.Errorf("session %d: stream validation failed: %s", s.number, cause)
	}

	// Tracks must be live and enabled to record, even if the previous
	// screen toggled them off.
	for _, t := range s.stream.Tracks() {
		if !t.Enabled() {
			t.SetEnabled(true)
		}
	}

	capture, err := s.captures.NewCapture(s.stream)
	if err != nil {
		cause := classifyCaptureError(err)
		s.fail(cause)
		return fmt.Errorf("session %d: open capture: %w", s.number, err)
	}
	if err := capture.Start(s.appendChunk); err != nil {
		cause := classifyCaptureError(err)
		s.fail(cause)
		return fmt.Errorf("session %d: start capture: %w", s.number, err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.capture = capture
	s.cancel = cancel
	s.state = StateRecording
	s.remaining = int(s.cfg.Countdown / s.cfg.TickInterval)
	s.mu.Unlock()

	s.log.Info("recording started", "session", s.number, "remaining", s.Remaining())
	go s.run(runCtx)
	return nil
}

// Finish force-finishes the session. From the recording state this is a
// normal completion with whatever was captured so far; from the error state
// it produces an empty zero-length clip so the flow always advances. The
// completion callback fires exactly once no matter how often Finish is
// called or whether the countdown raced it.
func (s *Session) Finish() {
	s.complete()
}

// Abandon tears the session down without completing: any in-progress capture
// stops and the stream reference is dropped. No callbacks fire. The stream
// itself is left alone; it is merely borrowed.
func (s *Session) Abandon() {
	s.mu.Lock()
	if s.completed || s.abandoned {
		s.mu.Unlock()
		return
	}
	s.abandoned = true
	capture := s.capture
	cancel := s.cancel
	s.capture = nil
	s.stream = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if capture != nil {
		if err := capture.Stop(); err != nil {
			s.log.Warn("stop capture on abandon", "session", s.number, "error", err)
		}
	}
	s.log.Info("session abandoned", "session", s.number)
}

func (s *Session) validateStream() (ErrorCause, bool) {
	if s.stream == nil {
		return CauseNoStream, false
	}
	tracks := s.stream.Tracks()
	if len(tracks) == 0 {
		return CauseNoTracks, false
	}
	for _, t := range tracks {
		if t.ReadyState() == ReadyStateEnded {
			return CauseEndedTracks, false
		}
	}
	if !s.stream.Active() {
		return CauseEndedTracks, false
	}
	return "", true
}

func (s *Session) appendChunk(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	s.chunksMu.Lock()
	s.chunks = append(s.chunks, buf)
	s.chunksMu.Unlock()
}

func (s *Session) run(ctx context.Context) {
	tick := time.NewTicker(s.cfg.TickInterval)
	defer tick.Stop()
	health := time.NewTicker(s.cfg.HealthInterval)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.mu.Lock()
			if s.state != StateRecording {
				s.mu.Unlock()
				return
			}
			s.remaining--
			done := s.remaining <= 0
			s.mu.Unlock()
			if done {
				s.complete()
				return
			}
		case <-health.C:
			if cause, ok := s.checkStreamHealth(); !ok {
				s.abort(cause)
				return
			}
		}
	}
}

// checkStreamHealth verifies mid-session that the stream is still usable:
// it must be active and must not have lost a live video track.
func (s *Session) checkStreamHealth() (ErrorCause, bool) {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()

	if stream == nil || !stream.Active() {
		return CauseStreamLost, false
	}
	if vt := stream.TrackOf(KindVideo); vt != nil && vt.ReadyState() == ReadyStateEnded {
		return CauseStreamLost, false
	}
	if at := stream.TrackOf(KindAudio); at != nil && at.ReadyState() == ReadyStateEnded {
		return CauseStreamLost, false
	}
	return "", true
}

// fail records an error transition from the preparing state.
func (s *Session) fail(cause ErrorCause) {
	s.mu.Lock()
	if s.completed || s.abandoned {
		s.mu.Unlock()
		return
	}
	s.state = StateError
	s.cause = cause
	fn := s.onError
	s.mu.Unlock()

	s.log.Warn("session error", "session", s.number, "cause", string(cause))
	if fn != nil {
		fn(cause)
	}
}

// abort stops an in-progress recording early and moves to the error state.
// The session does not advance on its own: the user is told, and their next
// action completes it with an empty clip.
func (s *Session) abort(cause ErrorCause) {
	s.mu.Lock()
	if s.completed || s.abandoned || s.state != StateRecording {
		s.mu.Unlock()
		return
	}
	s.state = StateError
	s.cause = cause
	capture := s.capture
	cancel := s.cancel
	fn := s.onError
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if capture != nil {
		if err := capture.Stop(); err != nil {
			s.log.Warn("stop capture on abort", "session", s.number, "error", err)
		}
	}
	s.log.Warn("recording aborted", "session", s.number, "cause", string(cause))
	if fn != nil {
		fn(cause)
	}
}

// complete finishes the session exactly once, whether triggered by the
// countdown reaching zero or by a user force-finish.
func (s *Session) complete() {
	s.mu.Lock()
	if s.completed || s.abandoned {
		s.mu.Unlock()
		return
	}
	s.completed = true
	state := s.state
	capture := s.capture
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var data []byte
	if state == StateRecording {
		if capture != nil {
			// Stop flushes buffered chunks through the chunk callback
			// before returning.
			if err := capture.Stop(); err != nil {
				s.log.Warn("stop capture", "session", s.number, "error", err)
			}
		}
		data = s.concatChunks()
	}
	// From the error state the clip stays empty: the flow advances anyway.

	clip := Clip{
		ID:            uuid.NewString(),
		SessionNumber: s.number,
		Data:          data,
		CreatedAt:     time.Now().UTC(),
	}

	s.mu.Lock()
	s.state = StateFinished
	s.clip = &clip
	s.stream = nil
	s.capture = nil
	fn := s.onFinished
	s.mu.Unlock()

	s.log.Info("session finished", "session", s.number, "clip_bytes", len(clip.Data))
	if fn != nil {
		fn(clip)
	}
}

func (s *Session) concatChunks() []byte {
	s.chunksMu.Lock()
	defer s.chunksMu.Unlock()
	var total int
	for _, c := range s.chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range s.chunks {
		out = append(out, c...)
	}
	return out
}

func classifyCaptureError(err error) ErrorCause {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return CauseAccessDenied
	case errors.Is(err, ErrDeviceNotFound):
		return CauseDeviceNotFound
	case errors.Is(err, ErrDeviceBusy):
		return CauseDeviceBusy
	default:
		return CauseHardwareBusy
	}
}
