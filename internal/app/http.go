package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"reportcollab/api/internal/collab"
)

// WebSocketHandler runs an authenticated realtime connection.
type WebSocketHandler interface {
	ServeConn(w http.ResponseWriter, r *http.Request, caller collab.Caller)
}

type HTTPServer struct {
	service    *Service
	ws         WebSocketHandler
	corsOrigin string
	log        logrus.FieldLogger
}

func NewHTTPServer(service *Service, ws WebSocketHandler, corsOrigin string, log logrus.FieldLogger) *HTTPServer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &HTTPServer{service: service, ws: ws, corsOrigin: corsOrigin, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	router := mux.NewRouter()
	router.Methods(http.MethodGet, http.MethodHead).Path("/api/health").HandlerFunc(s.handleHealth)
	router.Methods(http.MethodGet, http.MethodHead).Path("/api/ready").HandlerFunc(s.handleReady)

	reports := router.PathPrefix("/api/reports/{reportId}").Subrouter()
	reports.Methods(http.MethodGet).Path("/participants").HandlerFunc(s.handleParticipants)
	reports.Methods(http.MethodPost).Path("/save").HandlerFunc(s.handleSave)
	reports.Methods(http.MethodGet).Path("/revisions").HandlerFunc(s.handleRevisions)

	router.Methods(http.MethodGet).Path("/ws").HandlerFunc(s.handleWebSocket)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return s.withMiddleware(router)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	failures := s.service.Ping(ctx)
	for _, check := range s.service.checks {
		if err, failed := failures[check.Name]; failed {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[check.Name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[check.Name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleParticipants(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	reportID := mux.Vars(r)["reportId"]
	participants, err := s.service.Participants(r.Context(), caller, reportID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documentId":   reportID,
		"participants": participants,
	})
}

func (s *HTTPServer) handleSave(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	result, err := s.service.SaveReport(r.Context(), caller, mux.Vars(r)["reportId"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleRevisions(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	reportID := mux.Vars(r)["reportId"]
	revisions, err := s.service.Revisions(r.Context(), caller, reportID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documentId": reportID,
		"revisions":  revisions,
	})
}

func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.ws == nil {
		s.fail(w, domainError(http.StatusServiceUnavailable, "REALTIME_UNAVAILABLE", "Realtime transport not configured", nil))
		return
	}
	token := r.URL.Query().Get("access_token")
	if token == "" {
		token = bearerToken(r)
	}
	caller, err := s.service.CallerFromToken(token)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ws.ServeConn(w, r, caller)
}

func (s *HTTPServer) requireCaller(w http.ResponseWriter, r *http.Request) (collab.Caller, bool) {
	caller, err := s.service.CallerFromToken(bearerToken(r))
	if err != nil {
		s.fail(w, err)
		return collab.Caller{}, false
	}
	return caller, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("code", code).Warn("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.log.WithFields(logrus.Fields{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
