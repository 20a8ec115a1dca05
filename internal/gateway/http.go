package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rahul/matseg/internal/agent"
	"github.com/rahul/matseg/internal/observability"
	"github.com/rahul/matseg/internal/store"
	"github.com/rahul/matseg/internal/tools"
	"go.uber.org/zap"
)

const maxUploadSize = 32 << 20

// Agent is the orchestration surface the HTTP API drives.
type Agent interface {
	InitSession(ctx context.Context, sessionID, imagePath string) *store.SessionMemory
	Run(ctx context.Context, sessionID, instruction string) (agent.Response, error)
	Interact(ctx context.Context, sessionID string, points []tools.Point) (agent.Response, error)
}

// SessionLookup finds live sessions without creating them.
type SessionLookup interface {
	Lookup(id string) (*store.SessionMemory, bool)
}

// JournalReader reads the persisted audit trail of a session.
type JournalReader interface {
	GetHistory(sessionID string, limit int) ([]store.Turn, error)
	GetSteps(sessionID string) ([]store.StepRecord, error)
}

type HTTPOptions struct {
	Addr      string
	UploadDir string
	StaticDir string
}

// HTTPGateway serves the JSON API and the static upload and mask files.
type HTTPGateway struct {
	agent    Agent
	sessions SessionLookup
	journal  JournalReader
	opts     HTTPOptions
	logger   *observability.Logger
	policy   *bluemonday.Policy
	router   *httprouter.Router
	server   *http.Server
}

func NewHTTPGateway(a Agent, sessions SessionLookup, journal JournalReader, opts HTTPOptions, logger *observability.Logger) *HTTPGateway {
	if opts.StaticDir == "" {
		opts.StaticDir = "static"
	}
	if opts.UploadDir == "" {
		opts.UploadDir = filepath.Join(opts.StaticDir, "uploads")
	}
	g := &HTTPGateway{
		agent:    a,
		sessions: sessions,
		journal:  journal,
		opts:     opts,
		logger:   logger,
		policy:   bluemonday.StrictPolicy(),
		router:   httprouter.New(),
	}
	g.setupRoutes()
	g.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           g.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

// Handler exposes the router, mainly for tests.
func (g *HTTPGateway) Handler() http.Handler {
	return g.router
}

func (g *HTTPGateway) setupRoutes() {
	g.router.ServeFiles("/static/*filepath", http.Dir(g.opts.StaticDir))

	g.router.GET("/health", g.handleHealth)

	g.router.POST("/api/v1/session/init", g.handleInit)
	g.router.GET("/api/v1/session/:id", g.handleSession)
	g.router.GET("/api/v1/session/:id/journal", g.handleJournal)

	g.router.POST("/api/v1/analyze/text", g.handleText)
	g.router.POST("/api/v1/analyze/interact", g.handleInteract)
}

func (g *HTTPGateway) Start() error {
	g.logger.Zap().Info("http gateway listening", zap.String("addr", g.opts.Addr))
	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (g *HTTPGateway) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return g.server.Shutdown(ctx)
}

type initResponse struct {
	SessionID string `json:"session_id"`
	ImageURL  string `json:"image_url"`
	ImageDims []int  `json:"image_dims"`
}

type textRequest struct {
	SessionID  string `json:"session_id"`
	TextPrompt string `json:"text_prompt"`
}

type interactRequest struct {
	SessionID       string        `json:"session_id"`
	InteractionType string        `json:"interaction_type"`
	Points          []tools.Point `json:"points"`
}

type analysisResponse struct {
	Success bool                `json:"success"`
	Message string              `json:"message"`
	MaskURL string              `json:"mask_url,omitempty"`
	Stats   *tools.SegmentStats `json:"stats,omitempty"`
	Answer  string              `json:"answer,omitempty"`
}

func (g *HTTPGateway) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	role, task, running, last := observability.GetStatus()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"role":           role,
		"task":           task,
		"active_runs":    running,
		"last_heartbeat": last,
	})
}

func (g *HTTPGateway) handleInit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("missing image file: %v", err))
		return
	}
	defer file.Close()

	sessionID := uuid.NewString()
	name := sessionID + strings.ToLower(filepath.Ext(header.Filename))
	if err := os.MkdirAll(g.opts.UploadDir, 0755); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to save file: %v", err))
		return
	}
	dest := filepath.Join(g.opts.UploadDir, name)
	if err := saveUpload(dest, file); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to save file: %v", err))
		return
	}

	absPath, err := filepath.Abs(dest)
	if err != nil {
		absPath = dest
	}
	g.agent.InitSession(r.Context(), sessionID, absPath)
	g.logger.Zap().Info("session initialised", zap.String("session_id", sessionID), zap.String("image", absPath))

	writeJSON(w, http.StatusOK, initResponse{
		SessionID: sessionID,
		ImageURL:  g.staticURL(name),
		ImageDims: imageDims(absPath),
	})
}

func (g *HTTPGateway) handleText(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req textRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	text := req.TextPrompt
	if req.SessionID == "" || strings.TrimSpace(text) == "" {
		writeError(w, http.StatusBadRequest, "session_id and text_prompt are required")
		return
	}

	resp, err := g.agent.Run(r.Context(), req.SessionID, text)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, analysisResponse{
		Success: resp.Success,
		Message: g.sanitize(resp.Message),
		MaskURL: resp.MaskURL,
		Stats:   resp.Stats,
		Answer:  g.sanitize(resp.Answer),
	})
}

func (g *HTTPGateway) handleInteract(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req interactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	resp, err := g.agent.Interact(r.Context(), req.SessionID, req.Points)
	switch {
	case errors.Is(err, agent.ErrNoPoints):
		writeError(w, http.StatusBadRequest, "no interaction points provided")
		return
	case errors.Is(err, agent.ErrUnknownSession):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, analysisResponse{
		Success: resp.Success,
		Message: resp.Message,
		MaskURL: resp.MaskURL,
		Stats:   resp.Stats,
	})
}

// handleSession waits for an in-flight run on the session to finish.
func (g *HTTPGateway) handleSession(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	mem, ok := g.sessions.Lookup(ps.ByName("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, mem.Snapshot())
}

func (g *HTTPGateway) handleJournal(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if g.journal == nil {
		writeError(w, http.StatusNotFound, "journal disabled")
		return
	}
	id := ps.ByName("id")
	turns, err := g.journal.GetHistory(id, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	steps, err := g.journal.GetSteps(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if turns == nil {
		turns = []store.Turn{}
	}
	if steps == nil {
		steps = []store.StepRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"messages":   turns,
		"steps":      steps,
	})
}

// sanitize strips markup while keeping plain text readable.
func (g *HTTPGateway) sanitize(s string) string {
	return html.UnescapeString(g.policy.Sanitize(s))
}

// staticURL maps an uploaded file name to its URL under /static.
func (g *HTTPGateway) staticURL(name string) string {
	rel, err := filepath.Rel(g.opts.StaticDir, g.opts.UploadDir)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = "uploads"
	}
	return path.Join("/static", filepath.ToSlash(rel), name)
}

func saveUpload(dest string, src io.Reader) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}

// imageDims returns [width, height], or nil when the format is not decodable.
func imageDims(p string) []int {
	f, err := os.Open(p)
	if err != nil {
		return nil
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil
	}
	return []int{cfg.Width, cfg.Height}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
