package exam

import (
	"context"
	"errors"
	"testing"
	"time"

	"exam-recorder/internal/media"
	"exam-recorder/internal/media/mediatest"
	"exam-recorder/internal/platform/logger"
)

type fakeAuth struct {
	ok  bool
	err error
}

func (a fakeAuth) Authenticate(context.Context, string, string) (bool, error) {
	return a.ok, a.err
}

type testEnv struct {
	svc      *Service
	ctrl     *media.Controller
	provider *mediatest.Provider
	factory  *mediatest.CaptureFactory
	store    *MemoryStore
	repo     *Repository
}

func newTestEnv(t *testing.T, auth Authenticator) *testEnv {
	t.Helper()
	provider := mediatest.NewProvider()
	factory := &mediatest.CaptureFactory{Chunk: []byte("webm-chunk")}
	store := NewMemoryStore()
	repo := NewRepository(store, logger.Nop())
	ctrl := media.NewController(provider, logger.Nop(), nil)
	cfg := Config{Session: media.SessionConfig{
		Countdown:      time.Hour, // sessions finish via FinishSession in tests
		TickInterval:   10 * time.Millisecond,
		HealthInterval: 10 * time.Millisecond,
	}}
	svc := NewService(repo, ctrl, factory, auth, DefaultScripts(), cfg, logger.Nop(), nil)
	return &testEnv{svc: svc, ctrl: ctrl, provider: provider, factory: factory, store: store, repo: repo}
}

// loginAndAcquire logs in; dashboard entry acquires the device stream.
func (e *testEnv) loginAndAcquire(t *testing.T) {
	t.Helper()
	if err := e.svc.Login(context.Background(), "Jane Doe", "secret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
}

func waitForStep(t *testing.T, svc *Service, want Step) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if svc.CurrentStep() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for step %s, at %s", want, svc.CurrentStep())
}

func TestService_loginRejected(t *testing.T) {
	env := newTestEnv(t, fakeAuth{ok: false})

	err := env.svc.Login(context.Background(), "Jane", "wrong")
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if env.svc.CurrentStep() != StepLogin {
		t.Errorf("step = %s, want login", env.svc.CurrentStep())
	}
}

func TestService_loginTransportFailureIsRejection(t *testing.T) {
	env := newTestEnv(t, fakeAuth{err: errors.New("connection refused")})

	err := env.svc.Login(context.Background(), "Jane", "pw")
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("transport failure must read as not authenticated, got %v", err)
	}
}

func TestService_startGatedOnDevices(t *testing.T) {
	env := newTestEnv(t, fakeAuth{ok: true})
	env.provider.FailKind(media.KindVideo, media.ErrPermissionDenied)
	env.provider.FailKind(media.KindAudio, media.ErrPermissionDenied)

	// Login still succeeds; the acquisition failure is a notice, not an error.
	if err := env.svc.Login(context.Background(), "Jane Doe", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if env.svc.Snapshot().Notice == "" {
		t.Error("failed acquisition at dashboard entry should surface a notice")
	}

	if err := env.svc.StartExam(context.Background()); !errors.Is(err, ErrDevicesNotReady) {
		t.Fatalf("expected ErrDevicesNotReady, got %v", err)
	}
}

func TestService_loginAcquiresStream(t *testing.T) {
	env := newTestEnv(t, fakeAuth{ok: true})

	// Dashboard entry requests the stream once; no manual reload needed.
	if err := env.svc.Login(context.Background(), "Jane Doe", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	snap := env.svc.Snapshot()
	if !snap.VideoReady || !snap.AudioReady {
		t.Fatalf("devices should be ready right after login, got %+v", snap)
	}
	if env.provider.LiveCount() != 2 {
		t.Errorf("expected one live stream after login, got %d live tracks", env.provider.LiveCount())
	}
	if err := env.svc.StartExam(context.Background()); err != nil {
		t.Errorf("start gate should be open without a manual reload: %v", err)
	}
}

func TestService_startGatedOnVideoReady(t *testing.T) {
	env := newTestEnv(t, fakeAuth{ok: true})
	env.provider.FailKind(media.KindVideo, media.ErrPermissionDenied)
	env.loginAndAcquire(t)

	snap := env.svc.Snapshot()
	if snap.VideoReady {
		t.Fatal("videoReady should be false with video denied")
	}
	if !snap.AudioReady {
		t.Fatal("audioReady should be true")
	}
	if err := env.svc.StartExam(context.Background()); !errors.Is(err, ErrDevicesNotReady) {
		t.Fatalf("audio-only stream must not satisfy the start gate, got %v", err)
	}
}

func TestService_fullExamFlow(t *testing.T) {
	env := newTestEnv(t, fakeAuth{ok: true})
	env.loginAndAcquire(t)

	if env.svc.CurrentStep() != StepDashboard {
		t.Fatalf("step after login = %s, want dashboard", env.svc.CurrentStep())
	}

	if err := env.svc.StartExam(context.Background()); err != nil {
		t.Fatalf("StartExam: %v", err)
	}
	snap := env.svc.Snapshot()
	if snap.Step != StepSession || snap.SessionNumber != 1 {
		t.Fatalf("expected session 1, got %+v", snap)
	}
	if snap.SessionState != string(media.StateRecording) {
		t.Fatalf("session state = %s, want recording", snap.SessionState)
	}

	// Session 1 -> break 1.
	if err := env.svc.FinishSession(); err != nil {
		t.Fatalf("FinishSession: %v", err)
	}
	waitForStep(t, env.svc, StepBreak)
	snap = env.svc.Snapshot()
	if snap.SessionNumber != 1 {
		t.Fatalf("break after session %d, want 1", snap.SessionNumber)
	}

	// Clip 1 persisted with data.
	clips := env.repo.LoadClips()
	if len(clips) != 1 || clips[0].SessionID != 1 || len(clips[0].BlobData) == 0 {
		t.Fatalf("expected one persisted non-empty clip, got %+v", clips)
	}
	// Break checkpoint persisted immediately.
	cp, ok := env.repo.LoadCheckpoint()
	if !ok || !cp.IsBreakScreen || cp.SessionNumber != 1 {
		t.Fatalf("expected break-1 checkpoint, got %+v ok=%v", cp, ok)
	}

	// Break 1 -> session 2 -> break 2 -> session 3 -> completion.
	if err := env.svc.ContinueBreak(context.Background()); err != nil {
		t.Fatalf("ContinueBreak: %v", err)
	}
	if err := env.svc.FinishSession(); err != nil {
		t.Fatalf("FinishSession 2: %v", err)
	}
	waitForStep(t, env.svc, StepBreak)
	if err := env.svc.ContinueBreak(context.Background()); err != nil {
		t.Fatalf("ContinueBreak 2: %v", err)
	}
	if err := env.svc.FinishSession(); err != nil {
		t.Fatalf("FinishSession 3: %v", err)
	}
	waitForStep(t, env.svc, StepCompletion)

	if got := len(env.repo.LoadClips()); got != SessionCount {
		t.Errorf("persisted clips = %d, want %d", got, SessionCount)
	}
	if _, ok := env.repo.LoadCheckpoint(); ok {
		t.Error("checkpoint should be removed on completion")
	}
	// Hardware released once the exam is over.
	if env.provider.LiveCount() != 0 {
		t.Errorf("expected 0 live tracks after completion, got %d", env.provider.LiveCount())
	}

	// Clip filenames follow the sanitized name convention.
	rec, ok := env.svc.Clip(1)
	if !ok || rec.Filename != "Jane_Doe_Session_1.webm" {
		t.Errorf("clip filename = %q ok=%v", rec.Filename, ok)
	}
}

func TestService_midSessionTrackEnd_advancesWithEmptyClip(t *testing.T) {
	env := newTestEnv(t, fakeAuth{ok: true})
	env.loginAndAcquire(t)

	if err := env.svc.StartExam(context.Background()); err != nil {
		t.Fatalf("StartExam: %v", err)
	}

	// The microphone dies mid-recording.
	env.provider.LastOf(media.KindAudio).EndFromDevice()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if env.svc.Snapshot().SessionState == string(media.StateError) {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	snap := env.svc.Snapshot()
	if snap.SessionState != string(media.StateError) {
		t.Fatalf("session state = %s, want error", snap.SessionState)
	}
	if snap.Notice == "" {
		t.Error("the user must be told about the broken session")
	}

	// The user's action still advances, with an empty clip.
	if err := env.svc.FinishSession(); err != nil {
		t.Fatalf("FinishSession: %v", err)
	}
	waitForStep(t, env.svc, StepBreak)

	clips := env.repo.LoadClips()
	if len(clips) != 1 || len(clips[0].BlobData) != 0 {
		t.Fatalf("expected one empty clip, got %+v", clips)
	}
}

func TestService_rerunReplacesClip(t *testing.T) {
	env := newTestEnv(t, fakeAuth{ok: true})
	env.loginAndAcquire(t)

	if err := env.svc.StartExam(context.Background()); err != nil {
		t.Fatalf("StartExam: %v", err)
	}
	if err := env.svc.FinishSession(); err != nil {
		t.Fatalf("FinishSession: %v", err)
	}
	waitForStep(t, env.svc, StepBreak)

	// A fresh login restarts the exam; session 1 records again and the
	// new clip replaces the old one rather than duplicating it.
	env.loginAndAcquire(t)
	if err := env.svc.StartExam(context.Background()); err != nil {
		t.Fatalf("StartExam after re-login: %v", err)
	}
	if err := env.svc.FinishSession(); err != nil {
		t.Fatalf("FinishSession after re-login: %v", err)
	}
	waitForStep(t, env.svc, StepBreak)

	clips := env.repo.LoadClips()
	if len(clips) != 1 {
		t.Fatalf("expected exactly one clip for session 1, got %d", len(clips))
	}
}

func TestService_resumeWithThreeClips(t *testing.T) {
	env := newTestEnv(t, fakeAuth{ok: true})
	_ = env.repo.SaveIdentity(Identity{FullName: "Jane Doe"})
	_ = env.repo.SaveClips([]ClipRecord{
		{SessionID: 1, Filename: "a.webm", BlobData: []byte("1")},
		{SessionID: 2, Filename: "b.webm", BlobData: []byte("2")},
		{SessionID: 3, Filename: "c.webm", BlobData: []byte("3")},
	})
	// A stale checkpoint must not override the three clips.
	_ = env.repo.SaveCheckpoint(Checkpoint{SessionNumber: 1, IsBreakScreen: true, Timestamp: 1})

	restored := NewService(env.repo, media.NewController(mediatest.NewProvider(), logger.Nop(), nil),
		env.factory, fakeAuth{ok: true}, DefaultScripts(), Config{}, logger.Nop(), nil)

	if restored.CurrentStep() != StepCompletion {
		t.Errorf("step = %s, want completion", restored.CurrentStep())
	}
}

func TestService_resumeOnBreak(t *testing.T) {
	env := newTestEnv(t, fakeAuth{ok: true})
	_ = env.repo.SaveIdentity(Identity{FullName: "Jane Doe"})
	_ = env.repo.SaveClips([]ClipRecord{{SessionID: 1, Filename: "a.webm", BlobData: []byte("1")}})
	_ = env.repo.SaveCheckpoint(Checkpoint{SessionNumber: 1, IsBreakScreen: true, Timestamp: 1})

	restored := NewService(env.repo, media.NewController(mediatest.NewProvider(), logger.Nop(), nil),
		env.factory, fakeAuth{ok: true}, DefaultScripts(), Config{}, logger.Nop(), nil)

	snap := restored.Snapshot()
	if snap.Step != StepBreak || snap.SessionNumber != 1 {
		t.Errorf("expected break after session 1, got %+v", snap)
	}
}

func TestService_resumeMidSessionLandsOnDashboard(t *testing.T) {
	env := newTestEnv(t, fakeAuth{ok: true})
	_ = env.repo.SaveIdentity(Identity{FullName: "Jane Doe"})
	_ = env.repo.SaveClips([]ClipRecord{{SessionID: 1, Filename: "a.webm", BlobData: []byte("1")}})
	// Checkpoint recorded at session-2 start: not durable across a reload.
	_ = env.repo.SaveCheckpoint(Checkpoint{SessionNumber: 2, IsBreakScreen: false, Timestamp: 1})

	restored := NewService(env.repo, media.NewController(mediatest.NewProvider(), logger.Nop(), nil),
		env.factory, fakeAuth{ok: true}, DefaultScripts(), Config{}, logger.Nop(), nil)

	if restored.CurrentStep() != StepDashboard {
		t.Errorf("step = %s, want dashboard", restored.CurrentStep())
	}
	// The completed clip survives.
	if got := len(restored.Snapshot().Clips); got != 1 {
		t.Errorf("clips after resume = %d, want 1", got)
	}
}

func TestService_corruptClipsRecordOnLoad(t *testing.T) {
	env := newTestEnv(t, fakeAuth{ok: true})
	_ = env.repo.SaveIdentity(Identity{FullName: "Jane Doe"})
	_ = env.store.Set(keyClips, []byte(`{broken json!!`))

	restored := NewService(env.repo, media.NewController(mediatest.NewProvider(), logger.Nop(), nil),
		env.factory, fakeAuth{ok: true}, DefaultScripts(), Config{}, logger.Nop(), nil)

	if restored.CurrentStep() != StepDashboard {
		t.Errorf("step = %s, want dashboard", restored.CurrentStep())
	}
	if got := len(restored.Snapshot().Clips); got != 0 {
		t.Errorf("clips = %d, want 0 after discarding corrupt record", got)
	}
}

func TestService_toggleTwiceRestores(t *testing.T) {
	env := newTestEnv(t, fakeAuth{ok: true})
	env.loginAndAcquire(t)

	before := env.svc.Snapshot().AudioEnabled
	if err := env.svc.Toggle("audio"); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if env.svc.Snapshot().AudioEnabled == before {
		t.Error("first toggle should flip audioEnabled")
	}
	if err := env.svc.Toggle("audio"); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if env.svc.Snapshot().AudioEnabled != before {
		t.Error("second toggle should restore audioEnabled")
	}

	if err := env.svc.Toggle("subtitles"); err == nil {
		t.Error("unknown kind should be rejected")
	}
}

func TestService_logoutClearsEverything(t *testing.T) {
	env := newTestEnv(t, fakeAuth{ok: true})
	env.loginAndAcquire(t)
	if err := env.svc.StartExam(context.Background()); err != nil {
		t.Fatalf("StartExam: %v", err)
	}

	env.svc.Logout()

	if env.svc.CurrentStep() != StepLogin {
		t.Errorf("step = %s, want login", env.svc.CurrentStep())
	}
	if env.provider.LiveCount() != 0 {
		t.Errorf("expected 0 live tracks after logout, got %d", env.provider.LiveCount())
	}
	if _, ok := env.repo.LoadIdentity(); ok {
		t.Error("identity should be cleared")
	}
	if got := env.repo.LoadClips(); got != nil {
		t.Errorf("clips should be cleared, got %d", len(got))
	}
	snap := env.svc.Snapshot()
	if len(snap.Clips) != 0 || snap.FullName != "" {
		t.Errorf("in-memory state not cleared: %+v", snap)
	}
}

func TestService_restoreToDashboardAcquires(t *testing.T) {
	env := newTestEnv(t, fakeAuth{ok: true})
	_ = env.repo.SaveIdentity(Identity{FullName: "Jane Doe"})

	provider := mediatest.NewProvider()
	ctrl := media.NewController(provider, logger.Nop(), nil)
	restored := NewService(env.repo, ctrl, env.factory, fakeAuth{ok: true},
		DefaultScripts(), Config{}, logger.Nop(), nil)

	if restored.CurrentStep() != StepDashboard {
		t.Fatalf("step = %s, want dashboard", restored.CurrentStep())
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ctrl.Status().Ready() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("restoring onto the dashboard should acquire the stream")
}

// startMonitor runs the health watchdog against the env's controller the way
// the server wires it, gated on the flow's appetite for devices.
func startMonitor(t *testing.T, env *testEnv) {
	t.Helper()
	m := media.NewMonitor(env.ctrl, media.MonitorConfig{
		PollInterval:      10 * time.Millisecond,
		ReconcileInterval: 15 * time.Millisecond,
		Wanted:            env.svc.DevicesWanted,
	}, logger.Nop())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start monitor: %v", err)
	}
	t.Cleanup(m.Stop)
}

func TestService_logoutReleaseSticksWithMonitor(t *testing.T) {
	env := newTestEnv(t, fakeAuth{ok: true})
	startMonitor(t, env)
	env.loginAndAcquire(t)

	env.svc.Logout()

	// Several reconcile intervals pass; the released stream must stay
	// released while the user sits on the login screen.
	time.Sleep(60 * time.Millisecond)
	if env.provider.LiveCount() != 0 {
		t.Errorf("watchdog re-acquired devices after logout: %d live tracks", env.provider.LiveCount())
	}
	if env.ctrl.Stream() != nil {
		t.Error("no stream may be held on the login screen")
	}
}

func TestService_completionReleaseSticksWithMonitor(t *testing.T) {
	env := newTestEnv(t, fakeAuth{ok: true})
	startMonitor(t, env)
	env.loginAndAcquire(t)

	for n := 1; n <= SessionCount; n++ {
		if n == 1 {
			if err := env.svc.StartExam(context.Background()); err != nil {
				t.Fatalf("StartExam: %v", err)
			}
		} else {
			if err := env.svc.ContinueBreak(context.Background()); err != nil {
				t.Fatalf("ContinueBreak into session %d: %v", n, err)
			}
		}
		if err := env.svc.FinishSession(); err != nil {
			t.Fatalf("FinishSession %d: %v", n, err)
		}
		if n < SessionCount {
			waitForStep(t, env.svc, StepBreak)
		}
	}
	waitForStep(t, env.svc, StepCompletion)

	time.Sleep(60 * time.Millisecond)
	if env.provider.LiveCount() != 0 {
		t.Errorf("watchdog re-acquired devices after completion: %d live tracks", env.provider.LiveCount())
	}
}

func TestService_actionsRejectedInWrongStep(t *testing.T) {
	env := newTestEnv(t, fakeAuth{ok: true})

	if err := env.svc.StartExam(context.Background()); !errors.Is(err, ErrInvalidStep) {
		t.Errorf("StartExam before login: %v", err)
	}
	if err := env.svc.FinishSession(); !errors.Is(err, ErrInvalidStep) {
		t.Errorf("FinishSession before login: %v", err)
	}
	if err := env.svc.ContinueBreak(context.Background()); !errors.Is(err, ErrInvalidStep) {
		t.Errorf("ContinueBreak before login: %v", err)
	}
	if err := env.svc.ReloadDevices(context.Background()); !errors.Is(err, ErrInvalidStep) {
		t.Errorf("ReloadDevices before login: %v", err)
	}
}

func TestService_clipFilenameSanitization(t *testing.T) {
	cases := []struct {
		name string
		n    int
		want string
	}{
		{"Jane Doe", 1, "Jane_Doe_Session_1.webm"},
		{"Ana-Maria O'Brien", 2, "Ana-Maria_O_Brien_Session_2.webm"},
		{"...", 3, "user_Session_3.webm"},
		{"", 1, "user_Session_1.webm"},
	}
	for _, tc := range cases {
		if got := clipFilename(tc.name, tc.n); got != tc.want {
			t.Errorf("clipFilename(%q, %d) = %q, want %q", tc.name, tc.n, got, tc.want)
		}
	}
}
