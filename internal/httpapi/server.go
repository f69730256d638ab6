// Package httpapi exposes the lease operations router agents call: allocate,
// heartbeat, release, plus the inspection and reset surface for operators.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/tunnelward/portlease/internal/ledger"
	"github.com/tunnelward/portlease/internal/portmgr"
)

const (
	maxBodyBytes = 64 << 10

	codeUnauthorized       = "unauthorized"
	codeMethodNotAllowed   = "method_not_allowed"
	codeInvalidBody        = "invalid_body"
	codeInvalidQuery       = "invalid_query"
	codeNotFound           = "not_found"
	codeOwnerMismatch      = "owner_mismatch"
	codePoolExhausted      = "pool_exhausted"
	codeStorageUnavailable = "storage_unavailable"
)

type Authorizer func(r *http.Request) bool

// BearerTokenAuthorizer admits requests carrying any of the given bearer
// tokens. An empty token set admits everything; binding to localhost is then
// the only guard.
func BearerTokenAuthorizer(tokens [][]byte) Authorizer {
	allowed := make([][]byte, 0, len(tokens))
	for _, t := range tokens {
		if len(t) == 0 {
			continue
		}
		cp := make([]byte, len(t))
		copy(cp, t)
		allowed = append(allowed, cp)
	}

	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}

		h := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(h, prefix) {
			return false
		}
		got := strings.TrimSpace(strings.TrimPrefix(h, prefix))
		if got == "" {
			return false
		}
		gb := []byte(got)
		for _, want := range allowed {
			if subtle.ConstantTimeCompare(gb, want) == 1 {
				return true
			}
		}
		return false
	}
}

type Server struct {
	Manager   *portmgr.Manager
	Authorize Authorizer
	Logger    *slog.Logger

	// HealthDiagnostics adds process-level detail to /healthz?details=true.
	HealthDiagnostics func() map[string]any
}

type allocationPayload struct {
	ID            string `json:"id"`
	Port          int    `json:"port"`
	RouterID      string `json:"router_id"`
	Status        string `json:"status"`
	AllocatedAt   string `json:"allocated_at"`
	LastHeartbeat string `json:"last_heartbeat"`
	ReleasedAt    string `json:"released_at,omitempty"`
	ProbeUser     string `json:"probe_user,omitempty"`
}

// renderAllocation never includes the probe secret; it is write-only through
// the API.
func renderAllocation(a ledger.Allocation) allocationPayload {
	out := allocationPayload{
		ID:            a.ID,
		Port:          a.Port,
		RouterID:      a.RouterID,
		Status:        string(a.Status),
		AllocatedAt:   a.AllocatedAt.UTC().Format(time.RFC3339Nano),
		LastHeartbeat: a.LastHeartbeat.UTC().Format(time.RFC3339Nano),
	}
	if !a.ReleasedAt.IsZero() {
		out.ReleasedAt = a.ReleasedAt.UTC().Format(time.RFC3339Nano)
	}
	if a.Credentials != nil {
		out.ProbeUser = a.Credentials.Username
	}
	return out
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.Authorize != nil && !s.Authorize(r) {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "request is not authorized")
		return
	}

	cleanPath := path.Clean(r.URL.Path)
	if strings.HasPrefix(cleanPath, "/v1/allocations/") {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleAllocationLookup(w, cleanPath)
		return
	}

	switch cleanPath {
	case "/healthz":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleHealthz(w, r)
	case "/v1/allocations":
		switch r.Method {
		case http.MethodGet:
			s.handleList(w, r)
		case http.MethodPost:
			s.handleAllocate(w, r)
		default:
			writeMethodNotAllowed(w, "GET|POST")
		}
	case "/v1/heartbeat":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		s.handleHeartbeat(w, r)
	case "/v1/release":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		s.handleRelease(w, r)
	case "/v1/reset":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		s.handleReset(w)
	default:
		writeError(w, http.StatusNotFound, codeNotFound, "resource was not found")
	}
}

type allocateRequest struct {
	RouterID    string `json:"router_id"`
	ProbeUser   string `json:"probe_user"`
	ProbeSecret string `json:"probe_secret"`
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.RouterID) == "" {
		writeError(w, http.StatusBadRequest, codeInvalidBody, "router_id is required")
		return
	}
	if (req.ProbeUser == "") != (req.ProbeSecret == "") {
		writeError(w, http.StatusBadRequest, codeInvalidBody, "probe_user and probe_secret must be set together")
		return
	}

	var creds *ledger.Credentials
	if req.ProbeUser != "" {
		creds = &ledger.Credentials{Username: req.ProbeUser, Secret: req.ProbeSecret}
	}

	alloc, err := s.Manager.Allocate(req.RouterID, creds)
	if err != nil {
		if errors.Is(err, portmgr.ErrPoolExhausted) {
			writeError(w, http.StatusConflict, codePoolExhausted, "no free ports in the pool")
			return
		}
		s.logError("allocate", err)
		writeError(w, http.StatusServiceUnavailable, codeStorageUnavailable, "allocation storage is unavailable")
		return
	}
	writeJSON(w, http.StatusOK, renderAllocation(alloc))
}

type leaseRequest struct {
	Port     int    `json:"port"`
	RouterID string `json:"router_id"`
}

func (req leaseRequest) validate(w http.ResponseWriter) bool {
	if req.Port <= 0 || req.Port > 65535 {
		writeError(w, http.StatusBadRequest, codeInvalidBody, "port must be in [1..65535]")
		return false
	}
	if strings.TrimSpace(req.RouterID) == "" {
		writeError(w, http.StatusBadRequest, codeInvalidBody, "router_id is required")
		return false
	}
	return true
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if !decodeBody(w, r, &req) || !req.validate(w) {
		return
	}

	alloc, err := s.Manager.Heartbeat(req.Port, req.RouterID)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			writeError(w, http.StatusNotFound, codeNotFound, "no active lease on that port")
		case errors.Is(err, ledger.ErrMismatch):
			writeError(w, http.StatusConflict, codeOwnerMismatch, "lease is held by another router")
		default:
			s.logError("heartbeat", err)
			writeError(w, http.StatusServiceUnavailable, codeStorageUnavailable, "allocation storage is unavailable")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"port":           alloc.Port,
		"router_id":      alloc.RouterID,
		"last_heartbeat": alloc.LastHeartbeat.UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if !decodeBody(w, r, &req) || !req.validate(w) {
		return
	}

	released, err := s.Manager.Release(req.Port, req.RouterID)
	if err != nil {
		s.logError("release", err)
		writeError(w, http.StatusServiceUnavailable, codeStorageUnavailable, "allocation storage is unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": released})
}

func (s *Server) handleReset(w http.ResponseWriter) {
	count, err := s.Manager.ResetAll()
	if err != nil {
		s.logError("reset", err)
		writeError(w, http.StatusServiceUnavailable, codeStorageUnavailable, "allocation storage is unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": count})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if v := strings.TrimSpace(r.URL.Query().Get("active")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidQuery, "active must be true|false")
			return
		}
		activeOnly = b
	}

	var (
		rows []ledger.Allocation
		err  error
	)
	if activeOnly {
		rows, err = s.Manager.ListActive()
	} else {
		rows, err = s.Manager.ListAll()
	}
	if err != nil {
		s.logError("list", err)
		writeError(w, http.StatusServiceUnavailable, codeStorageUnavailable, "allocation storage is unavailable")
		return
	}

	items := make([]allocationPayload, 0, len(rows))
	for _, row := range rows {
		items = append(items, renderAllocation(row))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleAllocationLookup(w http.ResponseWriter, cleanPath string) {
	rest := strings.TrimPrefix(cleanPath, "/v1/allocations/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		writeError(w, http.StatusNotFound, codeNotFound, "resource was not found")
		return
	}

	var (
		alloc ledger.Allocation
		err   error
	)
	switch parts[0] {
	case "port":
		port, perr := strconv.Atoi(parts[1])
		if perr != nil || port <= 0 || port > 65535 {
			writeError(w, http.StatusBadRequest, codeInvalidQuery, "port must be in [1..65535]")
			return
		}
		alloc, err = s.Manager.GetByPort(port)
	case "router":
		alloc, err = s.Manager.GetByRouter(parts[1])
	default:
		writeError(w, http.StatusNotFound, codeNotFound, "resource was not found")
		return
	}

	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "no active lease matches")
			return
		}
		s.logError("lookup", err)
		writeError(w, http.StatusServiceUnavailable, codeStorageUnavailable, "allocation storage is unavailable")
		return
	}
	writeJSON(w, http.StatusOK, renderAllocation(alloc))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	details := strings.TrimSpace(r.URL.Query().Get("details"))
	if details == "" || details == "false" {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
		return
	}
	if details != "true" {
		writeError(w, http.StatusBadRequest, codeInvalidQuery, "details must be true|false")
		return
	}

	diagnostics := map[string]any{}
	if s.HealthDiagnostics != nil {
		if v := s.HealthDiagnostics(); v != nil {
			diagnostics = v
		}
	}
	if stats, err := s.Manager.Stats(); err == nil {
		pool := map[string]any{
			"size":             s.Manager.PoolSize(),
			"active":           stats.Active,
			"free":             s.Manager.PoolSize() - stats.Active,
			"released":         stats.Released,
			"with_credentials": stats.WithCredentials,
		}
		if !stats.OldestActiveHeartbeat.IsZero() {
			pool["oldest_active_heartbeat"] = stats.OldestActiveHeartbeat.UTC().Format(time.RFC3339Nano)
		}
		diagnostics["pool"] = pool
	} else {
		diagnostics["pool"] = map[string]any{"error": err.Error()}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"time":        time.Now().UTC().Format(time.RFC3339Nano),
		"diagnostics": diagnostics,
	})
}

func (s *Server) logError(op string, err error) {
	if s.Logger == nil {
		return
	}
	s.Logger.Error("api_storage_error",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer func() {
		_, _ = io.Copy(io.Discard, body)
	}()

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidBody, "request body must be valid JSON")
		return false
	}
	return true
}

type errorResponse struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	if detail == "" {
		detail = http.StatusText(status)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Code: code, Detail: detail})
}

func writeMethodNotAllowed(w http.ResponseWriter, expected string) {
	writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method must be "+expected)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
