package exam

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"exam-recorder/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const clipContentType = "video/webm"

// Handler exposes the exam flow over HTTP using go-chi. The presentation
// layer polls /state and posts intents; the core never pushes.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler that uses the given Service, Logger, and
// optional Metrics. Metrics may be nil to disable metric recording (e.g. in
// tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, log: log, metrics: m}
}

// Routes mounts all flow endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/login", h.Login)
	r.Post("/logout", h.Logout)
	r.Get("/state", h.State)
	r.Route("/exam", func(r chi.Router) {
		r.Post("/start", h.StartExam)
		r.Post("/finish", h.FinishSession)
		r.Post("/skip", h.SkipSession)
		r.Post("/continue", h.ContinueBreak)
		r.Post("/reload-devices", h.ReloadDevices)
		r.Post("/toggle/{kind}", h.Toggle)
	})
	r.Get("/clips/{sessionID}/download", h.DownloadClip)
	r.Get("/scripts/{sessionID}", h.Script)
}

// Login handles POST /login. Body: { "fullName": ..., "password": ... }.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FullName string `json:"fullName"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.log.Debug("invalid login body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if body.FullName == "" || body.Password == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.svc.Login(r.Context(), body.FullName, body.Password); err != nil {
		if errors.Is(err, ErrNotAuthenticated) {
			h.log.Info("login rejected", slog.String("user", body.FullName))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		h.log.Error("login failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	h.writeState(w)
}

// Logout handles POST /logout.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.svc.Logout()
	w.WriteHeader(http.StatusOK)
}

// State handles GET /state: the full snapshot the presentation layer
// renders from.
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	h.writeState(w)
}

// StartExam handles POST /exam/start.
func (h *Handler) StartExam(w http.ResponseWriter, r *http.Request) {
	h.flowAction(w, h.svc.StartExam(r.Context()))
}

// FinishSession handles POST /exam/finish.
func (h *Handler) FinishSession(w http.ResponseWriter, r *http.Request) {
	h.flowAction(w, h.svc.FinishSession())
}

// SkipSession handles POST /exam/skip.
func (h *Handler) SkipSession(w http.ResponseWriter, r *http.Request) {
	h.flowAction(w, h.svc.SkipSession())
}

// ContinueBreak handles POST /exam/continue.
func (h *Handler) ContinueBreak(w http.ResponseWriter, r *http.Request) {
	h.flowAction(w, h.svc.ContinueBreak(r.Context()))
}

// ReloadDevices handles POST /exam/reload-devices.
func (h *Handler) ReloadDevices(w http.ResponseWriter, r *http.Request) {
	h.flowAction(w, h.svc.ReloadDevices(r.Context()))
}

// Toggle handles POST /exam/toggle/{kind} with kind "video" or "audio".
func (h *Handler) Toggle(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	if err := h.svc.Toggle(kind); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.writeState(w)
}

// DownloadClip handles GET /clips/{sessionID}/download, serving the clip as
// a webm attachment.
func (h *Handler) DownloadClip(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "sessionID"))
	if err != nil || n < 1 || n > SessionCount {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	rec, ok := h.svc.Clip(n)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", clipContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+rec.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(rec.BlobData)
}

// Script handles GET /scripts/{sessionID}.
func (h *Handler) Script(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "sessionID"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	text, ok := h.svc.Script(n)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h.writeJSON(w, map[string]any{"sessionId": n, "text": text})
}

// flowAction maps a flow operation's outcome onto a response: success
// returns the fresh state, gate violations map to conflict/precondition
// statuses so the presentation layer can tell them apart.
func (h *Handler) flowAction(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		h.writeState(w)
	case errors.Is(err, ErrInvalidStep):
		w.WriteHeader(http.StatusConflict)
	case errors.Is(err, ErrDevicesNotReady):
		w.WriteHeader(http.StatusPreconditionFailed)
	default:
		h.log.Error("flow action failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func (h *Handler) writeState(w http.ResponseWriter) {
	h.writeJSON(w, h.svc.Snapshot())
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("encode response", slog.String("error", err.Error()))
	}
}
