package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/shellvisor/core"
	"pkt.systems/shellvisor/internal/logx"
	"pkt.systems/shellvisor/internal/ptyterm"
	"pkt.systems/shellvisor/schema"
)

// Supervisor is the shell supervisor surface the API drives.
type Supervisor interface {
	Execute(ctx context.Context, req schema.ExecRequest) (core.Shell, *core.ExecutionCommand, error)
	Snapshots() []schema.ShellSnapshot
	Counts() schema.ShellCounts
	RemoveSession(handle schema.SessionHandle) (int, error)
	Terminal(handle schema.SessionHandle) (core.Terminal, error)
	Stop(ctx context.Context) error
}

// EventSource streams shell lifecycle events.
type EventSource interface {
	Subscribe(id schema.CommandID) (<-chan schema.ShellEvent, func())
}

// Server serves the HTTP API.
type Server struct {
	cfg    Config
	sup    Supervisor
	events EventSource
}

// NewServer constructs an HTTP server. events may be nil.
func NewServer(cfg Config, sup Supervisor, events EventSource) *Server {
	if cfg.ExecWaitTimeout <= 0 {
		cfg.ExecWaitTimeout = defaultExecWaitTimeout
	}
	return &Server{cfg: cfg, sup: sup, events: events}
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/exec", s.handleExec)
	mux.HandleFunc("GET /v1/shells", s.handleShells)
	mux.HandleFunc("DELETE /v1/sessions/{handle}", s.handleRemoveSession)
	mux.HandleFunc("GET /v1/sessions/{handle}/transcript", s.handleTranscript)
	mux.HandleFunc("POST /v1/sessions/{handle}/input", s.handleInput)
	mux.HandleFunc("POST /v1/sessions/{handle}/resize", s.handleResize)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("POST /v1/stop", s.handleStop)
	return withRequestLogging(mux)
}

// execPayload is an exec request. Wait makes the call block until the
// command's result is available and returns it as the response body.
type execPayload struct {
	schema.ExecRequest
	Wait bool `json:"wait,omitempty"`
}

type execResponse struct {
	CommandID schema.CommandID      `json:"command_id"`
	Label     string                `json:"label"`
	Runner    schema.RunnerKind     `json:"runner"`
	Handle    schema.SessionHandle  `json:"handle,omitempty"`
	Pid       int                   `json:"pid,omitempty"`
	State     schema.ExecutionState `json:"state"`
	Result    *schema.Result        `json:"result,omitempty"`
	Error     string                `json:"error,omitempty"`
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	log := pslog.Ctx(r.Context())
	var payload execPayload
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http exec decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req := payload.ExecRequest
	var results chan schema.Result
	if payload.Wait {
		if req.Result != nil && req.Result.Directory != "" {
			writeError(w, http.StatusBadRequest, errors.New("wait cannot be combined with a result directory"))
			return
		}
		results = make(chan schema.Result, 1)
		req.Plugin = true
		req.Result = &schema.ResultConfig{Callback: func(_ context.Context, result schema.Result) error {
			select {
			case results <- result:
			default:
			}
			return nil
		}}
	} else if req.Result.HasTarget() {
		req.Plugin = true
	}

	shell, cmd, err := s.sup.Execute(r.Context(), req)
	resp := execResponse{}
	if cmd != nil {
		resp = describe(cmd, shell)
		log = logx.WithCommand(log, cmd.ID, cmd.Label)
	}
	if err != nil {
		resp.Error = err.Error()
	}
	if results == nil {
		if err != nil {
			log.Info("http exec rejected", "err", err)
			writeJSON(w, statusFor(err), resp)
			return
		}
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	timer := time.NewTimer(s.cfg.ExecWaitTimeout)
	defer timer.Stop()
	select {
	case result := <-results:
		resp.State = result.State
		resp.Result = &result
		status := http.StatusOK
		if err != nil {
			status = statusFor(err)
		}
		writeJSON(w, status, resp)
	case <-timer.C:
		log.Warn("http exec wait timed out", "timeout", s.cfg.ExecWaitTimeout.String())
		resp.Error = "timed out waiting for result"
		writeJSON(w, http.StatusGatewayTimeout, resp)
	case <-r.Context().Done():
		log.Debug("http exec client gone")
	}
}

func describe(cmd *core.ExecutionCommand, shell core.Shell) execResponse {
	resp := execResponse{
		CommandID: cmd.ID,
		Label:     cmd.Label,
		Runner:    cmd.Runner,
		Pid:       cmd.Pid(),
		State:     cmd.State(),
	}
	if session, ok := shell.(*core.InteractiveSession); ok {
		resp.Handle = session.Handle()
	}
	return resp
}

func (s *Server) handleShells(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"shells": s.sup.Snapshots(),
		"counts": s.sup.Counts(),
	})
}

func (s *Server) handleRemoveSession(w http.ResponseWriter, r *http.Request) {
	handle := schema.SessionHandle(r.PathValue("handle"))
	index, err := s.sup.RemoveSession(handle)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"handle": handle, "index": index})
}

type transcriptTerminal interface {
	Transcript(limit int) ptyterm.TranscriptView
}

type inputTerminal interface {
	Write(p []byte) (int, error)
}

type resizableTerminal interface {
	Resize(rows, cols int) error
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	term, ok := s.terminal(w, r)
	if !ok {
		return
	}
	tt, ok := term.(transcriptTerminal)
	if !ok {
		writeError(w, http.StatusNotImplemented, errors.New("terminal has no transcript"))
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	writeJSON(w, http.StatusOK, tt.Transcript(limit))
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	term, ok := s.terminal(w, r)
	if !ok {
		return
	}
	it, ok := term.(inputTerminal)
	if !ok {
		writeError(w, http.StatusNotImplemented, errors.New("terminal does not accept input"))
		return
	}
	var payload struct {
		Data string `json:"data"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := it.Write([]byte(payload.Data))
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"written": n})
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	term, ok := s.terminal(w, r)
	if !ok {
		return
	}
	rt, ok := term.(resizableTerminal)
	if !ok {
		writeError(w, http.StatusNotImplemented, errors.New("terminal cannot be resized"))
		return
	}
	var payload struct {
		Rows int `json:"rows"`
		Cols int `json:"cols"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Rows <= 0 || payload.Cols <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("rows and cols must be positive"))
		return
	}
	if err := rt.Resize(payload.Rows, payload.Cols); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) terminal(w http.ResponseWriter, r *http.Request) (core.Terminal, bool) {
	term, err := s.sup.Terminal(schema.SessionHandle(r.PathValue("handle")))
	if err != nil {
		writeError(w, statusFor(err), err)
		return nil, false
	}
	return term, true
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Stop(r.Context()); err != nil {
		pslog.Ctx(r.Context()).Warn("http stop failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "counts": s.sup.Counts()})
}

// statusFor maps supervisor errors onto HTTP status codes.
func statusFor(err error) int {
	var execErr *core.ExecError
	switch {
	case errors.Is(err, schema.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, schema.ErrShellNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrInvalidRunner),
		errors.Is(err, schema.ErrInvalidShellCreateMode),
		errors.Is(err, schema.ErrEmptyExecutable),
		errors.Is(err, schema.ErrRunnerMismatch),
		errors.Is(err, schema.ErrNoResultTarget),
		errors.Is(err, schema.ErrAmbiguousResultTarget):
		return http.StatusBadRequest
	case errors.As(err, &execErr) && execErr.Kind == core.ErrorValidation:
		return http.StatusBadRequest
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
