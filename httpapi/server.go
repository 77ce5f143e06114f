package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pkt.systems/cellstate/core"
	"pkt.systems/cellstate/internal/logx"
	"pkt.systems/cellstate/schema"
)

// Registry is the session surface the HTTP API drives.
type Registry interface {
	Open(ctx context.Context, req core.OpenRequest) (*core.Session, error)
	Show(path string) (*core.Session, bool)
	Close(ctx context.Context, path string) (core.CloseResult, error)
	List() []schema.SessionSnapshot
}

// Server serves the HTTP API.
type Server struct {
	cfg      Config
	registry Registry
	hub      *Hub
	basePath string
}

// NewServer constructs an HTTP server.
func NewServer(cfg Config, registry Registry, hub *Hub) *Server {
	if hub == nil {
		hub = NewHub(cfg.ReplayEvents, nil)
	}
	return &Server{
		cfg:      cfg,
		registry: registry,
		hub:      hub,
		basePath: normalizeBasePath(cfg.BasePath),
	}
}

// Hub returns the event hub feeding the stream endpoint.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/open", s.handleOpen)
	mux.HandleFunc("/api/sessions/close", s.handleClose)
	mux.HandleFunc("/api/sessions/save", s.handleSave)
	mux.HandleFunc("/api/state", s.requireSession(s.handleState))
	mux.HandleFunc("/api/messages", s.handleMessages)
	mux.HandleFunc("/api/history/up", s.requireSession(s.handleHistory(true)))
	mux.HandleFunc("/api/history/down", s.requireSession(s.handleHistory(false)))
	mux.HandleFunc("/api/stream", s.handleStream)

	handler := withRequestLogging(mux, lookupFile, !s.cfg.DisableAuditTrails)
	return mountBasePath(s.basePath, handler)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sessions := s.registry.List()
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
	logx.Ctx(r.Context()).Debug("http sessions list ok", "count", len(sessions))
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context())
	var payload struct {
		Path     string            `json:"path"`
		Contents string            `json:"contents"`
		Mode     schema.EditorMode `json:"mode"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http open decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	session, err := s.registry.Open(r.Context(), core.OpenRequest{
		Path:     payload.Path,
		Contents: []byte(payload.Contents),
		Mode:     payload.Mode,
	})
	if err != nil {
		log.Warn("http open failed", "path", payload.Path, "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	state := session.Controller().Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"session": session.Snapshot(),
		"state":   state,
	})
	log.Info("http open ok", "file", session.File(), "cells", state.CellCount)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context())
	var payload struct {
		File string `json:"file"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http close decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.registry.Close(r.Context(), payload.File)
	if err != nil {
		log.Warn("http close failed", "file", payload.File, "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
	log.Info("http close ok", "file", payload.File, "saved", result.Saved, "backed_up", result.BackedUp)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context())
	var payload struct {
		File string `json:"file"`
		// Path saves under a new name.
		Path string `json:"path"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http save decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	session, ok := s.registry.Show(payload.File)
	if !ok {
		writeError(w, http.StatusNotFound, schema.ErrSessionNotFound)
		return
	}
	var err error
	if strings.TrimSpace(payload.Path) != "" {
		err = session.SaveAs(r.Context(), payload.Path)
	} else {
		err = session.Save(r.Context())
	}
	if err != nil {
		log.Warn("http save failed", "file", payload.File, "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session.Snapshot()})
	log.Info("http save ok", "file", session.File())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request, session *core.Session) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session": session.Snapshot(),
		"state":   session.Controller().Snapshot(),
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context())
	var payload struct {
		File    string             `json:"file"`
		Kind    schema.MessageKind `json:"kind"`
		Payload json.RawMessage    `json:"payload"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http message decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	msg, err := schema.DecodeMessage(schema.Envelope{Kind: payload.Kind, Payload: payload.Payload})
	if err != nil {
		log.Warn("http message invalid", "kind", payload.Kind, "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	session, ok := s.registry.Show(payload.File)
	if !ok {
		writeError(w, http.StatusNotFound, schema.ErrSessionNotFound)
		return
	}
	log = logx.WithMessage(log.With("file", session.File()), msg.Kind())
	ctx := logx.ContextWithFileLogger(r.Context(), log, session.File())
	handled := session.HandleMessage(ctx, msg)
	writeJSON(w, http.StatusOK, map[string]any{
		"handled": handled,
		"state":   session.Controller().Snapshot(),
	})
	log.Debug("http message ok", "handled", handled)
}

func (s *Server) handleHistory(up bool) func(http.ResponseWriter, *http.Request, *core.Session) {
	return func(w http.ResponseWriter, r *http.Request, session *core.Session) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		current := r.URL.Query().Get("text")
		var text string
		if up {
			text = session.Controller().CompleteUp(current)
		} else {
			text = session.Controller().CompleteDown(current)
		}
		writeJSON(w, http.StatusOK, map[string]any{"text": text})
	}
}

// handleStream sends a snapshot, then the retained events after
// Last-Event-ID, then live events. Without a file it streams session
// lifecycle events only.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	var (
		key     = sessionsKey
		session *core.Session
	)
	if raw := strings.TrimSpace(r.URL.Query().Get("file")); raw != "" {
		session, ok = s.registry.Show(raw)
		if !ok {
			writeError(w, http.StatusNotFound, schema.ErrSessionNotFound)
			return
		}
		key = session.File()
	}
	log := logx.WithFile(r.Context(), key)

	ch, unsubscribe, subscribedAt := s.hub.Subscribe(key)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	snapshot := SnapshotPayload{Sessions: s.registry.List()}
	if session != nil {
		state := session.Controller().Snapshot()
		snapshot.State = &state
	}
	_ = writeSSEvent(w, StreamEvent{
		Type:      StreamSnapshot,
		File:      key,
		Snapshot:  &snapshot,
		Timestamp: time.Now(),
	})
	flusher.Flush()

	sent := subscribedAt
	lastID := parseUint(r.Header.Get("Last-Event-ID"))
	replayCount := 0
	if lastID > 0 && lastID < subscribedAt {
		replay := s.hub.Replay(key, lastID, subscribedAt)
		replayCount = len(replay)
		for _, event := range replay {
			_ = writeSSEvent(w, event)
		}
		flusher.Flush()
	}

	log.Info("http stream opened", "last_id", lastID, "replay", replayCount, "seq", subscribedAt)
	for {
		select {
		case <-r.Context().Done():
			log.Info("http stream closed")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.Seq <= sent {
				continue
			}
			sent = event.Seq
			_ = writeSSEvent(w, event)
			flusher.Flush()
		}
	}
}

func (s *Server) requireSession(next func(http.ResponseWriter, *http.Request, *core.Session)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		file := r.URL.Query().Get("file")
		if strings.TrimSpace(file) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("%w: file is required", schema.ErrInvalidRequest))
			return
		}
		session, ok := s.registry.Show(file)
		if !ok {
			writeError(w, http.StatusNotFound, schema.ErrSessionNotFound)
			return
		}
		ctx := logx.ContextWithFileLogger(r.Context(), logx.WithFile(r.Context(), session.File()), session.File())
		next(w, r.WithContext(ctx), session)
	}
}

func lookupFile(r *http.Request) schema.FileID {
	if r == nil {
		return ""
	}
	raw := r.URL.Query().Get("file")
	if raw == "" {
		return ""
	}
	file, err := schema.NormalizeFileID(raw)
	if err != nil {
		return ""
	}
	return file
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, schema.ErrSessionNotFound), errors.Is(err, schema.ErrNoContents):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrInvalidFile), errors.Is(err, schema.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, schema.ErrSaveCancelled):
		return http.StatusConflict
	case errors.Is(err, schema.ErrSessionClosed):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeSSEvent(w http.ResponseWriter, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if event.Seq > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", event.Seq)
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", strings.TrimSpace(string(data)))
	return nil
}

func parseUint(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
