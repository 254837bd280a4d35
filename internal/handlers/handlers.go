package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	pathpkg "path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"mediagrab/internal/artifacts"
	"mediagrab/internal/extractor"
	"mediagrab/internal/jobs"
	"mediagrab/internal/models"
	"mediagrab/internal/ratelimit"
)

const (
	maxStartBodyBytes      = 64 * 1024
	defaultDescribeTimeout = 20 * time.Second
	wsWriteTimeout         = 10 * time.Second
)

// Limits are the per-endpoint request ceilings per client per minute.
type Limits struct {
	Start    int
	Progress int
	File     int
}

// Deps are the collaborators the HTTP layer drives. Reaper may be nil.
type Deps struct {
	Logger          *slog.Logger
	Store           *jobs.Store
	Runner          *jobs.Runner
	Admission       *jobs.Admission
	Reaper          *jobs.Reaper
	Limiter         *ratelimit.Limiter
	Client          extractor.Client
	Gateway         *artifacts.Gateway
	Limits          Limits
	DescribeTimeout time.Duration
	Now             func() time.Time
}

type App struct {
	logger *slog.Logger
	router *chi.Mux

	store     *jobs.Store
	runner    *jobs.Runner
	admission *jobs.Admission
	reaper    *jobs.Reaper
	limiter   *ratelimit.Limiter
	client    extractor.Client
	gateway   *artifacts.Gateway

	limits          Limits
	describeTimeout time.Duration
	now             func() time.Time

	previews singleflight.Group
	upgrader websocket.Upgrader
}

func NewApp(d Deps) *App {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.DescribeTimeout <= 0 {
		d.DescribeTimeout = defaultDescribeTimeout
	}
	if d.Limiter == nil {
		d.Limiter = ratelimit.New()
	}

	app := &App{
		logger:          d.Logger,
		router:          chi.NewRouter(),
		store:           d.Store,
		runner:          d.Runner,
		admission:       d.Admission,
		reaper:          d.Reaper,
		limiter:         d.Limiter,
		client:          d.Client,
		gateway:         d.Gateway,
		limits:          d.Limits,
		describeTimeout: d.DescribeTimeout,
		now:             d.Now,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	app.registerRoutes()
	return app
}

func (a *App) Router() http.Handler {
	return a.router
}

func (a *App) registerRoutes() {
	a.router.Use(middleware.RequestID)
	a.router.Use(middleware.RealIP)
	a.router.Use(middleware.Recoverer)
	a.router.Use(a.corsMiddleware)
	a.router.Use(a.reapMiddleware)

	a.router.With(a.limiter.Middleware("start", a.limits.Start, a.now)).Post("/start", a.start)
	a.router.With(a.limiter.Middleware("progress", a.limits.Progress, a.now)).Get("/progress/{id}", a.progress)
	a.router.With(a.limiter.Middleware("ws", a.limits.Progress, a.now)).Get("/ws/{id}", a.jobWS)
	a.router.With(a.limiter.Middleware("file", a.limits.File, a.now)).Get("/file/*", a.file)
	a.router.Get("/healthz", a.health)
}

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"timestamp":   a.now().UTC().Format(time.RFC3339),
		"active_jobs": a.store.ActiveCount(),
		"in_flight":   a.admission.InFlight(),
	})
}

type startRequest struct {
	URL    string `json:"url"`
	Format string `json:"format"`
	Mode   string `json:"mode"`
}

type startResponse struct {
	ID      string          `json:"id"`
	Preview *models.Preview `json:"preview,omitempty"`
	Warning string          `json:"warning,omitempty"`
}

func (a *App) start(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxStartBodyBytes)
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}

	spec, msg := parseStartRequest(req)
	if msg != "" {
		a.respondError(w, http.StatusBadRequest, msg)
		return
	}

	job, err := a.runner.Submit(spec)
	switch {
	case errors.Is(err, jobs.ErrAtCapacity), errors.Is(err, jobs.ErrShuttingDown):
		a.logger.Warn("submission rejected", "reason", err, "in_flight", a.admission.InFlight())
		a.respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		a.logger.Error("failed to create job", "error", err)
		a.respondError(w, http.StatusInternalServerError, "could not create job")
		return
	}
	a.logger.Info("job accepted",
		"job_id", job.ID,
		"format", spec.Format,
		"mode", spec.Mode,
		"request_id", middleware.GetReqID(r.Context()),
	)

	resp := startResponse{ID: job.ID}
	preview, err := a.describe(spec.URL)
	if err != nil {
		a.logger.Warn("preview unavailable", "job_id", job.ID, "error", err)
		resp.Warning = extractor.Truncate("preview unavailable: "+extractor.PublicMessage(err), extractor.MaxPublicMessage)
	} else {
		resp.Preview = &preview
	}
	a.respondJSON(w, http.StatusAccepted, resp)
}

// describe fetches preview metadata, sharing one lookup between concurrent
// submissions of the same URL.
func (a *App) describe(rawURL string) (models.Preview, error) {
	v, err, _ := a.previews.Do(rawURL, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), a.describeTimeout)
		defer cancel()
		return a.client.Describe(ctx, rawURL)
	})
	if err != nil {
		return models.Preview{}, err
	}
	return v.(models.Preview), nil
}

func parseStartRequest(req startRequest) (models.RequestSpec, string) {
	rawURL := strings.TrimSpace(req.URL)
	if rawURL == "" {
		return models.RequestSpec{}, "url is required"
	}
	if !extractor.IsValidSource(rawURL) {
		return models.RequestSpec{}, "url is not a supported media link"
	}

	spec := models.RequestSpec{URL: rawURL, Format: models.FormatVideo, Mode: models.ModeSingle}
	switch models.Format(strings.ToLower(strings.TrimSpace(req.Format))) {
	case "", models.FormatVideo:
	case models.FormatAudio:
		spec.Format = models.FormatAudio
	default:
		return models.RequestSpec{}, "format must be video or audio"
	}
	switch models.Mode(strings.ToLower(strings.TrimSpace(req.Mode))) {
	case "", models.ModeSingle:
	case models.ModePlaylist:
		spec.Mode = models.ModePlaylist
	default:
		return models.RequestSpec{}, "mode must be single or playlist"
	}
	return spec, ""
}

func (a *App) progress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, ok := a.store.Touch(jobID)
	if !ok {
		a.respondError(w, http.StatusNotFound, "job not found")
		return
	}
	a.respondJSON(w, http.StatusOK, job.Progress())
}

func (a *App) file(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}

	path, err := a.gateway.Resolve(name)
	switch {
	case errors.Is(err, artifacts.ErrRejected):
		a.logger.Warn("artifact request rejected", "name", name, "remote", ratelimit.ClientIdentity(r))
		a.respondError(w, http.StatusBadRequest, "invalid file name")
		return
	case errors.Is(err, artifacts.ErrNotFound):
		a.respondError(w, http.StatusNotFound, "file not found")
		return
	case err != nil:
		a.logger.Error("failed to resolve artifact", "name", name, "error", err)
		a.respondError(w, http.StatusInternalServerError, "could not read file")
		return
	}
	if !a.published(name) {
		a.respondError(w, http.StatusNotFound, "file not found")
		return
	}
	a.gateway.Serve(w, r, path)
}

// published reports whether name is the artifact of a ready job. Output of
// jobs still in flight is never served.
func (a *App) published(name string) bool {
	clean := pathpkg.Clean(strings.TrimSpace(name))
	id, _, ok := strings.Cut(clean, "/")
	if !ok {
		return false
	}
	job, ok := a.store.Get(id)
	return ok && job.Status == models.StatusReady && job.Result.Name() == clean
}

// jobWS pushes the job's progress projection after every update until the
// job is terminal or removed.
func (a *App) jobWS(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	updates, cancel, ok := a.store.Subscribe(jobID)
	if !ok {
		a.respondError(w, http.StatusNotFound, "job not found")
		return
	}
	defer cancel()
	job, ok := a.store.Touch(jobID)
	if !ok {
		a.respondError(w, http.StatusNotFound, "job not found")
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Time{})

	if err := a.writeProgress(conn, job.Progress()); err != nil || job.Status.Terminal() {
		a.closeWS(conn)
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case snapshot, open := <-updates:
			if !open {
				a.closeWS(conn)
				return
			}
			if err := a.writeProgress(conn, snapshot.Progress()); err != nil {
				return
			}
			if snapshot.Status.Terminal() {
				a.closeWS(conn)
				return
			}
		}
	}
}

func (a *App) writeProgress(conn *websocket.Conn, p models.Progress) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(p)
}

func (a *App) closeWS(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// reapMiddleware runs an amortized expiry sweep ahead of request handling.
func (a *App) reapMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.reaper != nil {
			a.reaper.MaybeSweep(a.now())
		}
		next.ServeHTTP(w, r)
	})
}

func (a *App) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("failed to encode json", "error", err)
	}
}

func (a *App) respondError(w http.ResponseWriter, code int, msg string) {
	a.respondJSON(w, code, map[string]string{"error": msg})
}

func (a *App) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Disposition, Retry-After")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
