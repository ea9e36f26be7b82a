package exam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"exam-recorder/internal/media"
	"exam-recorder/internal/platform/metrics"
)

var (
	// ErrNotAuthenticated is returned when the identity check rejects the
	// credentials or cannot be reached.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrInvalidStep is returned when an action does not apply to the
	// current flow step.
	ErrInvalidStep = errors.New("action not allowed in current step")

	// ErrDevicesNotReady is returned when a start or continue action is
	// attempted without both media kinds ready.
	ErrDevicesNotReady = errors.New("camera and microphone are not both ready")
)

// MediaController is the command surface the flow uses to drive the device
// stream. The flow issues intents and subscribes to the status stream; it
// never reaches into stream internals.
type MediaController interface {
	Acquire(ctx context.Context) error
	Release()
	Toggle(kind media.TrackKind)
	Status() media.Status
	Subscribe(fn func(media.Status))
	Stream() *media.Stream
}

// Config tunes the flow. The zero value uses production defaults.
type Config struct {
	Session media.SessionConfig
}

// Service sequences the exam: LOGIN -> DASHBOARD -> SESSION_1 -> BREAK_1 ->
// SESSION_2 -> BREAK_2 -> SESSION_3 -> COMPLETION. It owns exam progress and
// recorded clips, persists checkpoints so a reload resumes at the right
// step, and borrows the device stream from the media controller for each
// recording session.
type Service struct {
	repo     *Repository
	media    MediaController
	captures media.CaptureFactory
	auth     Authenticator
	scripts  *ScriptSet
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu         sync.Mutex
	step       Step
	sessionNum int
	identity   Identity
	clips      map[int]ClipRecord
	session    *media.Session
	notice     string
	lastStatus media.Status
}

// NewService wires the flow and restores persisted progress, so a process
// restart resumes at the correct step. Metrics may be nil.
func NewService(
	repo *Repository,
	mediaCtrl MediaController,
	captures media.CaptureFactory,
	auth Authenticator,
	scripts *ScriptSet,
	cfg Config,
	log *slog.Logger,
	m *metrics.Metrics,
) *Service {
	s := &Service{
		repo:     repo,
		media:    mediaCtrl,
		captures: captures,
		auth:     auth,
		scripts:  scripts,
		cfg:      cfg,
		log:      log,
		metrics:  m,
		step:     StepLogin,
		clips:    make(map[int]ClipRecord),
	}
	s.restore()

	mediaCtrl.Subscribe(func(st media.Status) {
		s.mu.Lock()
		prev := s.lastStatus
		s.lastStatus = st
		s.mu.Unlock()
		if prev.Ready() != st.Ready() {
			s.log.Info("device readiness changed",
				"video_ready", st.VideoReady,
				"audio_ready", st.AudioReady,
			)
		}
	})

	// Restoring onto the dashboard or a break is a dashboard entry too: the
	// stream request must not wait for a manual reload.
	if s.DevicesWanted() {
		go s.acquireForFlow(context.Background())
	}
	return s
}

// restore rebuilds progress from the persisted records. Three clips win over
// everything else; a break checkpoint resumes the same break; anything else
// (including a mid-session checkpoint, since a capture in progress cannot
// survive a reload) lands on the dashboard.
func (s *Service) restore() {
	id, ok := s.repo.LoadIdentity()
	if !ok {
		s.step = StepLogin
		return
	}
	s.identity = id

	for _, rec := range s.repo.LoadClips() {
		if rec.SessionID >= 1 && rec.SessionID <= SessionCount {
			s.clips[rec.SessionID] = rec
		}
	}

	if len(s.clips) >= SessionCount {
		s.step = StepCompletion
		s.log.Info("restored to completion", "user", id.FullName)
		return
	}

	if cp, ok := s.repo.LoadCheckpoint(); ok && cp.IsBreakScreen {
		if _, has := s.clips[cp.SessionNumber]; has {
			s.step = StepBreak
			s.sessionNum = cp.SessionNumber
			s.log.Info("restored to break", "user", id.FullName, "after_session", cp.SessionNumber)
			return
		}
	}

	s.step = StepDashboard
	s.log.Info("restored to dashboard", "user", id.FullName, "clips", len(s.clips))
}

// Login authenticates and starts a fresh exam, clearing any previous
// progress. An unreachable identity check reads as a rejection.
func (s *Service) Login(ctx context.Context, fullName, password string) error {
	ok, err := s.auth.Authenticate(ctx, fullName, password)
	if err != nil {
		s.log.Warn("identity check unreachable", "error", err)
		return ErrNotAuthenticated
	}
	if !ok {
		return ErrNotAuthenticated
	}

	s.mu.Lock()
	old := s.session
	s.session = nil
	s.identity = Identity{FullName: fullName}
	s.clips = make(map[int]ClipRecord)
	s.step = StepDashboard
	s.sessionNum = 0
	s.notice = ""
	s.mu.Unlock()

	if old != nil {
		old.Abandon()
	}
	if err := s.repo.Clear(); err != nil {
		s.log.Warn("clear previous progress failed", "error", err)
	}
	if err := s.repo.SaveIdentity(Identity{FullName: fullName}); err != nil {
		s.reportStorageError(err)
	}

	// Dashboard entry owns the one stream request; reload-devices is only the
	// manual retry. The stream outlives the login request.
	s.acquireForFlow(context.WithoutCancel(ctx))

	s.log.Info("logged in", "user", fullName)
	return nil
}

// DevicesWanted reports whether the flow currently needs the device stream
// held: any step between login and completion. The health monitor consults
// this before re-acquiring, so a logout or completion release sticks.
func (s *Service) DevicesWanted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.step {
	case StepDashboard, StepSession, StepBreak:
		return true
	default:
		return false
	}
}

// acquireForFlow requests the device stream for the flow. Failure is not
// fatal: it surfaces as a notice and the readiness gates stay closed.
func (s *Service) acquireForFlow(ctx context.Context) {
	if err := s.media.Acquire(ctx); err != nil {
		s.setNotice("Devices could not be acquired: " + err.Error())
	}
}

// StartExam moves from the dashboard into session 1. Requires both media
// kinds ready.
func (s *Service) StartExam(ctx context.Context) error {
	s.mu.Lock()
	if s.step != StepDashboard {
		s.mu.Unlock()
		return ErrInvalidStep
	}
	s.mu.Unlock()
	return s.beginSession(ctx, 1)
}

// ContinueBreak moves from a break into the next session. Requires both
// media kinds ready.
func (s *Service) ContinueBreak(ctx context.Context) error {
	s.mu.Lock()
	if s.step != StepBreak {
		s.mu.Unlock()
		return ErrInvalidStep
	}
	next := s.sessionNum + 1
	s.mu.Unlock()
	return s.beginSession(ctx, next)
}

func (s *Service) beginSession(ctx context.Context, n int) error {
	if !s.media.Status().Ready() {
		return ErrDevicesNotReady
	}

	sess := media.NewSession(n, s.media.Stream(), s.captures, s.cfg.Session, s.log)
	sess.OnFinished(s.handleSessionFinished)
	sess.OnError(func(cause media.ErrorCause) { s.handleSessionError(n, cause) })

	s.mu.Lock()
	s.session = sess
	s.step = StepSession
	s.sessionNum = n
	s.notice = ""
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetActiveRecordings(1)
	}

	// The checkpoint marks a session in progress; on resume it lands back
	// on the dashboard since a capture cannot continue across a reload.
	if err := s.repo.SaveCheckpoint(Checkpoint{
		SessionNumber: n,
		IsBreakScreen: false,
		Timestamp:     time.Now().UnixMilli(),
	}); err != nil {
		s.reportStorageError(err)
	}

	// The session outlives the request that started it.
	if err := sess.Start(context.WithoutCancel(ctx)); err != nil {
		// The session is now in the error state; the flow stays on the
		// session step and the user's next action advances with an empty
		// clip rather than blocking on a broken device.
		s.log.Warn("session start failed", "session", n, "error", err)
	}
	return nil
}

// FinishSession force-finishes the active session ("finish & next").
func (s *Service) FinishSession() error {
	return s.finishActiveSession()
}

// SkipSession force-finishes the active session early ("skip & next").
// Deliberately the same completion path as FinishSession.
func (s *Service) SkipSession() error {
	return s.finishActiveSession()
}

func (s *Service) finishActiveSession() error {
	s.mu.Lock()
	if s.step != StepSession || s.session == nil {
		s.mu.Unlock()
		return ErrInvalidStep
	}
	sess := s.session
	s.mu.Unlock()

	sess.Finish()
	return nil
}

// handleSessionFinished fires when the active session completes, whether by
// countdown, force-finish, or forced empty clip out of an error state. The
// flow always advances here; it never stalls on a session.
func (s *Service) handleSessionFinished(clip media.Clip) {
	n := clip.SessionNumber
	data := clip.Data
	if data == nil {
		data = []byte{}
	}

	s.mu.Lock()
	rec := ClipRecord{
		SessionID: n,
		Filename:  clipFilename(s.identity.FullName, n),
		BlobData:  data,
	}
	s.clips[n] = rec
	s.session = nil

	var cp *Checkpoint
	if n < SessionCount {
		s.step = StepBreak
		s.sessionNum = n
		cp = &Checkpoint{
			SessionNumber: n,
			IsBreakScreen: true,
			Timestamp:     time.Now().UnixMilli(),
		}
	} else {
		s.step = StepCompletion
	}
	clips := s.clipListLocked()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.IncSessionsCompleted()
		s.metrics.SetActiveRecordings(0)
	}

	if err := s.repo.SaveClips(clips); err != nil {
		s.reportStorageError(err)
	}
	if cp != nil {
		// Persist immediately on break entry: a reload mid-break must
		// resume this break, not the next session.
		if err := s.repo.SaveCheckpoint(*cp); err != nil {
			s.reportStorageError(err)
		}
	} else {
		if err := s.repo.DeleteCheckpoint(); err != nil {
			s.log.Warn("delete checkpoint failed", "error", err)
		}
		// The exam is done; the hardware is no longer needed.
		s.media.Release()
	}

	s.log.Info("session complete", "session", n, "clip_bytes", len(data), "step", string(s.CurrentStep()))
}

func (s *Service) handleSessionError(n int, cause media.ErrorCause) {
	if s.metrics != nil {
		s.metrics.IncSessionErrors()
		s.metrics.SetActiveRecordings(0)
	}
	s.setNotice(noticeForCause(cause))
	s.log.Warn("session entered error state", "session", n, "cause", string(cause))
}

// ReloadDevices re-acquires the device stream on the dashboard or a break
// screen, the manual retry after a denied or failed acquisition.
func (s *Service) ReloadDevices(ctx context.Context) error {
	s.mu.Lock()
	step := s.step
	s.mu.Unlock()
	if step != StepDashboard && step != StepBreak {
		return ErrInvalidStep
	}

	s.acquireForFlow(ctx)
	return nil
}

// Toggle flips the enabled flag for the given kind ("video" or "audio").
func (s *Service) Toggle(kind string) error {
	switch kind {
	case "video":
		s.media.Toggle(media.KindVideo)
	case "audio":
		s.media.Toggle(media.KindAudio)
	default:
		return fmt.Errorf("unknown track kind %q", kind)
	}
	return nil
}

// Logout tears everything down: abandons any active session, releases the
// device stream, clears all persisted records, and returns to the login
// step. No full-page-reload safety net; this sequence must release
// everything on its own.
func (s *Service) Logout() {
	s.mu.Lock()
	old := s.session
	user := s.identity.FullName
	s.session = nil
	s.step = StepLogin
	s.sessionNum = 0
	s.identity = Identity{}
	s.clips = make(map[int]ClipRecord)
	s.notice = ""
	s.mu.Unlock()

	if old != nil {
		old.Abandon()
	}
	s.media.Release()
	if err := s.repo.Clear(); err != nil {
		s.log.Warn("clear persisted records failed", "error", err)
	}
	if s.metrics != nil {
		s.metrics.SetActiveRecordings(0)
	}
	s.log.Info("logged out", "user", user)
}

// CurrentStep returns the flow's current step.
func (s *Service) CurrentStep() Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// ClipInfo is clip metadata exposed to the presentation layer.
type ClipInfo struct {
	SessionID int    `json:"sessionId"`
	Filename  string `json:"filename"`
	SizeBytes int    `json:"sizeBytes"`
}

// StateSnapshot is the full flow state the presentation layer renders from.
type StateSnapshot struct {
	Step          Step       `json:"step"`
	SessionNumber int        `json:"sessionNumber"`
	FullName      string     `json:"fullName"`
	VideoReady    bool       `json:"videoReady"`
	AudioReady    bool       `json:"audioReady"`
	VideoEnabled  bool       `json:"videoEnabled"`
	AudioEnabled  bool       `json:"audioEnabled"`
	Remaining     int        `json:"remainingSeconds"`
	SessionState  string     `json:"sessionState,omitempty"`
	SessionCause  string     `json:"sessionCause,omitempty"`
	Notice        string     `json:"notice,omitempty"`
	Clips         []ClipInfo `json:"clips"`
}

// Snapshot returns the current flow state.
func (s *Service) Snapshot() StateSnapshot {
	st := s.media.Status()

	s.mu.Lock()
	snap := StateSnapshot{
		Step:          s.step,
		SessionNumber: s.sessionNum,
		FullName:      s.identity.FullName,
		VideoReady:    st.VideoReady,
		AudioReady:    st.AudioReady,
		VideoEnabled:  st.VideoEnabled,
		AudioEnabled:  st.AudioEnabled,
		Notice:        s.notice,
		Clips:         make([]ClipInfo, 0, len(s.clips)),
	}
	if snap.Notice == "" && st.Fault != "" {
		snap.Notice = st.Fault
	}
	for n := 1; n <= SessionCount; n++ {
		if rec, ok := s.clips[n]; ok {
			snap.Clips = append(snap.Clips, ClipInfo{
				SessionID: rec.SessionID,
				Filename:  rec.Filename,
				SizeBytes: len(rec.BlobData),
			})
		}
	}
	sess := s.session
	s.mu.Unlock()

	if sess != nil {
		snap.Remaining = sess.Remaining()
		snap.SessionState = string(sess.State())
		snap.SessionCause = string(sess.Cause())
	}
	return snap
}

// Clip returns the recorded clip for a session, for download.
func (s *Service) Clip(sessionNumber int) (ClipRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.clips[sessionNumber]
	return rec, ok
}

// Script returns the script text for a session.
func (s *Service) Script(sessionNumber int) (string, bool) {
	return s.scripts.Text(sessionNumber)
}

func (s *Service) clipListLocked() []ClipRecord {
	out := make([]ClipRecord, 0, len(s.clips))
	for n := 1; n <= SessionCount; n++ {
		if rec, ok := s.clips[n]; ok {
			out = append(out, rec)
		}
	}
	return out
}

func (s *Service) setNotice(msg string) {
	s.mu.Lock()
	s.notice = msg
	s.mu.Unlock()
}

// reportStorageError surfaces a persistence failure to the user without
// interrupting the flow; in-memory state stays authoritative for the rest of
// the process lifetime.
func (s *Service) reportStorageError(err error) {
	s.log.Error("persistence write failed", "error", err)
	s.setNotice("Your progress could not be saved; it will be kept for this session only.")
}

func noticeForCause(cause media.ErrorCause) string {
	switch cause {
	case media.CauseNoStream, media.CauseNoTracks:
		return "No camera or microphone is available. Reload devices, or finish to continue without a recording."
	case media.CauseEndedTracks, media.CauseStreamLost:
		return "The camera or microphone disconnected during the session. Finish to continue; this recording may be incomplete."
	case media.CauseAccessDenied:
		return "Access to the camera or microphone was denied."
	case media.CauseDeviceNotFound:
		return "A required recording device was not found."
	case media.CauseDeviceBusy, media.CauseHardwareBusy:
		return "The recording device is in use by another application."
	default:
		return "Recording failed. Finish to continue to the next step."
	}
}

var filenameUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// clipFilename builds the download name: {sanitized-full-name}_Session_{n}.webm.
func clipFilename(fullName string, n int) string {
	safe := filenameUnsafe.ReplaceAllString(fullName, "_")
	safe = strings.Trim(safe, "_")
	if safe == "" {
		safe = "user"
	}
	return fmt.Sprintf("%s_Session_%d.webm", safe, n)
}
