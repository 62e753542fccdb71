package serverutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/andrej220/vdctl/internal/lg"
)

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultServerConfig provides default server configuration values.
func DefaultServerConfig(addr string) ServerConfig {
	return ServerConfig{
		Addr:            addr,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// RunServer serves handler until ctx is done, then shuts down gracefully.
// If ready is not nil it receives the bound address once listening.
func RunServer(ctx context.Context, handler http.Handler, config ServerConfig, logger lg.Logger, ready chan<- net.Addr) error {
	if logger == nil {
		logger = lg.Discard
	}
	ln, err := net.Listen("tcp", config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", config.Addr, err)
	}
	if ready != nil {
		ready <- ln.Addr()
	}

	server := &http.Server{
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server starting", lg.String("addr", ln.Addr().String()))
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Server stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("Server stopped gracefully")
	return nil
}

type requestKey struct{}

// RequestFrom returns the request decoded by ValidationHandler.
func RequestFrom[T any](ctx context.Context) (T, bool) {
	v, ok := ctx.Value(requestKey{}).(T)
	return v, ok
}

type validatable interface {
	Validate() error
}

// ValidationHandler is a middleware that decodes and validates JSON requests.
type ValidationHandler[T any] struct {
	next http.Handler
}

// NewValidationHandler creates a new validation handler for the given request type.
// *T is validated when it has a Validate() error method.
func NewValidationHandler[T any](next http.Handler) http.Handler {
	return &ValidationHandler[T]{next: next}
}

func (h *ValidationHandler[T]) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	var request T
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(rw, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if v, ok := any(&request).(validatable); ok {
		if err := v.Validate(); err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
	}

	ctx := context.WithValue(r.Context(), requestKey{}, request)
	h.next.ServeHTTP(rw, r.WithContext(ctx))
}

// WriteJSON encodes v with status code.
func WriteJSON(rw http.ResponseWriter, status int, v any) error {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	return json.NewEncoder(rw).Encode(v)
}
