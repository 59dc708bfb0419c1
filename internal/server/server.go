package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/evmwendwa/hotspot-portal/internal/mpesa"
	"github.com/evmwendwa/hotspot-portal/internal/payments"
	"github.com/evmwendwa/hotspot-portal/internal/storage"
)

// Server exposes the portal HTTP API
type Server struct {
	service *payments.Service
	store   *storage.Storage
	log     *slog.Logger

	server *http.Server
}

// New creates a new API server
func New(service *payments.Service, store *storage.Storage, log *slog.Logger) *Server {
	return &Server{
		service: service,
		store:   store,
		log:     log,
	}
}

// Handler builds the route mux
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/payments/initiate", s.handleInitiate)
	mux.HandleFunc("GET /api/payments/status/{checkoutRequestId}", s.handleStatus)
	mux.HandleFunc("POST /api/payments/callback", s.handleCallback)
	mux.HandleFunc("GET /api/packages", s.handlePackages)
	mux.HandleFunc("GET /api/packages/{id}", s.handlePackage)
	mux.HandleFunc("GET /api/connections/details/{checkoutRequestId}", s.handleConnection)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start starts the API server and shuts it down when ctx is cancelled
func (s *Server) Start(ctx context.Context, port int) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.log.Info("starting API server", "port", port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	return s.server.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

type initiateRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	PackageID   int64  `json:"packageId"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := s.service.Initiate(r.Context(), req.PhoneNumber, req.PackageID)
	switch {
	case errors.Is(err, payments.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, mpesa.ErrAuth), errors.Is(err, mpesa.ErrPush):
		s.log.Error("initiate payment", "error", err)
		writeError(w, http.StatusBadGateway, "Failed to initiate payment")
		return
	case err != nil:
		s.log.Error("initiate payment", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to initiate payment")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"message":           "Payment initiated successfully",
		"checkoutRequestId": result.CheckoutRequestID,
		"amount":            result.Amount,
		"packageName":       result.PackageName,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	checkoutRequestID := r.PathValue("checkoutRequestId")

	status, err := s.service.Status(r.Context(), checkoutRequestID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "Payment not found")
		return
	case err != nil:
		s.log.Error("check payment status", "checkout_request_id", checkoutRequestID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to check payment status")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  status,
	})
}

// handleCallback always acknowledges: the gateway retries on non-2xx, and
// every condition behind a callback is already handled idempotently.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.log.Warn("read callback body", "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}

	cb, err := mpesa.ParseCallback(body)
	if err != nil {
		s.log.Warn("invalid callback payload", "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}

	if err := s.service.HandleCallback(r.Context(), cb); err != nil {
		s.log.Error("process callback", "checkout_request_id", cb.CheckoutRequestID, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handlePackages(w http.ResponseWriter, r *http.Request) {
	pkgs, err := s.store.ListActivePackages()
	if err != nil {
		s.log.Error("list packages", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch packages")
		return
	}

	out := make([]map[string]any, 0, len(pkgs))
	for _, p := range pkgs {
		out = append(out, packageJSON(&p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePackage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid package ID")
		return
	}

	pkg, err := s.store.GetPackage(id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "Package not found")
		return
	case err != nil:
		s.log.Error("get package", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch package")
		return
	}

	out := packageJSON(pkg)
	out["active"] = pkg.Active
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	checkoutRequestID := r.PathValue("checkoutRequestId")

	conn, err := s.service.Connection(checkoutRequestID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "Connection not found or payment not completed")
		return
	case err != nil:
		s.log.Error("get connection details", "checkout_request_id", checkoutRequestID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch connection details")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"connection": map[string]any{
			"username":    conn.Username,
			"password":    conn.Password,
			"expires_at":  conn.ExpiresAt.UTC().Format(time.RFC3339),
			"packageName": conn.PackageName,
			"duration":    formatDuration(conn.Minutes),
		},
	})
}

func packageJSON(p *storage.Package) map[string]any {
	return map[string]any{
		"id":          p.ID,
		"name":        p.Name,
		"description": p.Description,
		"price":       p.Price,
		"minutes":     p.Minutes,
		"duration":    formatDuration(p.Minutes),
	}
}

// formatDuration renders minutes the way the portal displays them
func formatDuration(minutes int) string {
	switch {
	case minutes < 60:
		return fmt.Sprintf("%d minutes", minutes)
	case minutes < 1440:
		return fmt.Sprintf("%d hour(s)", minutes/60)
	case minutes < 10080:
		return fmt.Sprintf("%d day(s)", minutes/1440)
	default:
		return fmt.Sprintf("%d week(s)", minutes/10080)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"message": message,
	})
}
