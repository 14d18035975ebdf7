package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/medchain-labs/custodia/pkg/errdefs"
	"github.com/medchain-labs/custodia/pkg/ledger"
	"github.com/medchain-labs/custodia/pkg/log"
	"github.com/medchain-labs/custodia/pkg/metrics"
	"github.com/medchain-labs/custodia/pkg/pipeline"
	"github.com/medchain-labs/custodia/pkg/types"
)

// userHeader names the authenticated caller. Authentication itself is
// the fronting gateway's job; this service trusts the header.
const userHeader = "X-User-ID"

const maxUploadBytes = 256 << 20

// Server is the HTTP surface: the record API under /v1 plus the
// operational endpoints (health, readiness, metrics).
type Server struct {
	pipe     *pipeline.Pipeline
	ledger   ledger.Client
	readOnly bool
	mux      *http.ServeMux
	http     *http.Server
	logger   zerolog.Logger
}

// NewServer builds the server. readOnly blocks every mutating route,
// for exposing the API on an untrusted listener.
func NewServer(pipe *pipeline.Pipeline, lc ledger.Client, readOnly bool) *Server {
	s := &Server{
		pipe:     pipe,
		ledger:   lc,
		readOnly: readOnly,
		mux:      http.NewServeMux(),
		logger:   log.WithComponent("api"),
	}

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ready", s.handleReady)
	s.mux.Handle("/metrics", metrics.Handler())

	s.mux.HandleFunc("/v1/records", s.handleRecords)
	s.mux.HandleFunc("/v1/records/", s.handleRecord)
	s.mux.HandleFunc("/v1/patients/", s.handlePatient)

	return s
}

// Start serves until the listener fails or Stop is called
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.withLogging(s.withWriteGuard(s.mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Bool("read_only", s.readOnly).Msg("api listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight requests and shuts the listener down
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the routed handler for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.withLogging(s.withWriteGuard(s.mux))
}

// ---- operational endpoints ----

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Timestamp: time.Now().UTC()})
}

type readyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true

	if s.ledger != nil {
		st := s.ledger.Status()
		if st.Connected {
			checks["ledger"] = "connected"
		} else {
			checks["ledger"] = "disconnected"
			ready = false
		}
	} else {
		checks["ledger"] = "not configured"
		ready = false
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, readyResponse{Status: status, Timestamp: time.Now().UTC(), Checks: checks})
}

// ---- record API ----

type createRecordRequest struct {
	PatientID   string `json:"patient_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	FileType    string `json:"file_type"`
	FileName    string `json:"file_name"`
	MimeType    string `json:"mime_type"`
	// File is the payload, base64
	File string `json:"file"`
}

type recordResponse struct {
	*types.Record
	File          string `json:"file,omitempty"`
	ChainVerified bool   `json:"chain_verified,omitempty"`
	ChainError    string `json:"chain_error,omitempty"`
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	caller := r.Header.Get(userHeader)
	if caller == "" {
		writeError(w, http.StatusUnauthorized, "INVALID_INPUT", "missing "+userHeader+" header")
		return
	}

	var req createRecordRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "malformed request body")
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.File)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "file must be base64")
		return
	}

	rec, err := s.pipe.CreateRecord(r.Context(), pipeline.CreateRequest{
		PatientID:   req.PatientID,
		CreatorID:   caller,
		Title:       req.Title,
		Description: req.Description,
		FileType:    types.FileType(req.FileType),
		FileName:    req.FileName,
		MimeType:    req.MimeType,
		File:        payload,
	})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, recordResponse{Record: rec})
}

// handleRecord routes /v1/records/{id}[/grants|/versions|/archive]
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	caller := r.Header.Get(userHeader)
	if caller == "" {
		writeError(w, http.StatusUnauthorized, "INVALID_INPUT", "missing "+userHeader+" header")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/records/")
	recordID, sub, _ := strings.Cut(rest, "/")
	if recordID == "" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "missing record id")
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		s.getRecord(w, r, recordID, caller)
	case sub == "versions" && r.Method == http.MethodPost:
		s.createVersion(w, r, recordID, caller)
	case sub == "archive" && r.Method == http.MethodPost:
		s.archive(w, r, recordID, caller)
	case sub == "grants" && r.Method == http.MethodPost:
		s.grant(w, r, recordID, caller)
	case strings.HasPrefix(sub, "grants/") && r.Method == http.MethodDelete:
		s.revoke(w, r, recordID, caller, strings.TrimPrefix(sub, "grants/"))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func requestContext(r *http.Request) types.RequestContext {
	ip := r.RemoteAddr
	if i := strings.LastIndex(ip, ":"); i >= 0 {
		ip = ip[:i]
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return types.RequestContext{SourceIP: ip, UserAgent: r.UserAgent()}
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request, recordID, caller string) {
	res, err := s.pipe.ReadRecord(r.Context(), recordID, caller, requestContext(r), pipeline.ReadOptions{
		VerifyChain: r.URL.Query().Get("verify_chain") == "1",
	})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	resp := recordResponse{
		Record:        res.Record,
		File:          base64.StdEncoding.EncodeToString(res.Plaintext),
		ChainVerified: res.ChainVerified,
	}
	if res.ChainError != nil {
		resp.ChainError = res.ChainError.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type createVersionRequest struct {
	FileName string `json:"file_name"`
	File     string `json:"file"` // base64
}

func (s *Server) createVersion(w http.ResponseWriter, r *http.Request, recordID, caller string) {
	var req createVersionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "malformed request body")
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.File)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "file must be base64")
		return
	}
	rec, err := s.pipe.CreateVersion(r.Context(), recordID, caller, payload, req.FileName)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, recordResponse{Record: rec})
}

func (s *Server) archive(w http.ResponseWriter, r *http.Request, recordID, caller string) {
	if err := s.pipe.Archive(r.Context(), recordID, caller); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

type grantRequest struct {
	GranteeID string     `json:"grantee_id"`
	Action    string     `json:"action"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (s *Server) grant(w http.ResponseWriter, r *http.Request, recordID, caller string) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "malformed request body")
		return
	}
	txID, err := s.pipe.GrantAccess(r.Context(), recordID, caller, req.GranteeID, types.Action(req.Action), req.ExpiresAt)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tx_id": txID})
}

func (s *Server) revoke(w http.ResponseWriter, r *http.Request, recordID, caller, granteeID string) {
	txID, err := s.pipe.RevokeAccess(r.Context(), recordID, caller, granteeID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tx_id": txID})
}

// handlePatient routes /v1/patients/{id}/records
func (s *Server) handlePatient(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/patients/")
	patientID, sub, _ := strings.Cut(rest, "/")
	if patientID == "" || sub != "records" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown route")
		return
	}
	records, err := s.pipe.ListRecords(r.Context(), patientID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// ---- error mapping ----

type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// writeFailure maps the error taxonomy onto HTTP statuses. Internal
// chains stay in the logs; callers get the kind and the top message.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	kind := errdefs.Classify(err)
	var code int
	switch kind {
	case errdefs.KindNotFound:
		code = http.StatusNotFound
	case errdefs.KindForbidden:
		code = http.StatusForbidden
	case errdefs.KindConflict:
		code = http.StatusConflict
	case errdefs.KindInvalidInput:
		code = http.StatusBadRequest
	case errdefs.KindIntegrityViolation:
		code = http.StatusConflict
	case errdefs.KindDependencyUnavailable, errdefs.KindLedgerError, errdefs.KindStorageError:
		code = http.StatusServiceUnavailable
	case errdefs.KindTimeout:
		code = http.StatusGatewayTimeout
	default:
		code = http.StatusInternalServerError
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("kind", string(kind)).Msg("request failed")
	}
	writeError(w, code, string(kind), topMessage(err))
}

// topMessage returns the first segment of the error chain text
func topMessage(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ": "); i > 0 {
		return msg[:i]
	}
	return msg
}

func writeError(w http.ResponseWriter, code int, kind, message string) {
	writeJSON(w, code, errorResponse{Kind: kind, Message: message})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
