// Package httpapi mounts the AgentAuth protocol on plain net/http: the
// four /v1 challenge and token routes plus a guard middleware for putting
// application handlers behind a capability token.
//
// Protocol-level failures (wrong answers, timing rejections) are data in a
// 200 response, not transport errors; HTTP status codes are reserved for
// request problems and server faults.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/dyshay/agentauth/challenge"
	"github.com/dyshay/agentauth/engine"
	"github.com/dyshay/agentauth/token"
)

// Handler serves the reference HTTP surface for one engine.
type Handler struct {
	engine *engine.Engine
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewHandler mounts the /v1 routes for e. A nil logger selects slog.Default().
func NewHandler(e *engine.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{engine: e, logger: logger, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /v1/challenge/init", h.handleInit)
	h.mux.HandleFunc("GET /v1/challenge/{id}", h.handleGet)
	h.mux.HandleFunc("POST /v1/challenge/{id}/solve", h.handleSolve)
	h.mux.HandleFunc("GET /v1/token/verify", h.handleVerify)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleInit(w http.ResponseWriter, r *http.Request) {
	var opts engine.InitOptions
	if err := decodeBody(r, &opts); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if opts.Difficulty != "" {
		if _, err := challenge.ParseDifficulty(string(opts.Difficulty)); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}

	res, err := h.engine.InitChallenge(r.Context(), &opts)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownType) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		h.logger.Error("challenge init failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "challenge init failed")
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	sessionToken := token.BearerToken(r)
	if sessionToken == "" {
		writeError(w, http.StatusUnauthorized, "missing_token", "missing bearer session token")
		return
	}

	ch, err := h.engine.GetChallenge(r.Context(), r.PathValue("id"), sessionToken)
	if err != nil {
		h.logger.Error("challenge lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "challenge lookup failed")
		return
	}
	if ch == nil {
		// Absent, expired, and foreign challenges answer identically.
		writeError(w, http.StatusNotFound, "challenge_not_found", "challenge not found")
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (h *Handler) handleSolve(w http.ResponseWriter, r *http.Request) {
	var req engine.SolveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Answer == "" || req.HMAC == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "answer and hmac are required")
		return
	}

	res, err := h.engine.SolveChallenge(r.Context(), r.PathValue("id"), &req)
	if err != nil {
		h.logger.Error("solve failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "solve failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	raw := token.BearerToken(r)
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "missing_token", "missing bearer token")
		return
	}
	writeJSON(w, http.StatusOK, h.engine.VerifyToken(raw))
}

// decodeBody decodes a JSON request body into v. An empty body is not an
// error; it leaves v at its zero value so optional-body routes fall back to
// their defaults.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, typ, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Type: typ, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
