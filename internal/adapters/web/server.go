package web

import (
	"context"
	"net/http"
	"time"

	"telegram-forwarder/internal/domain/accounts"
	"telegram-forwarder/internal/domain/forwarding"
	"telegram-forwarder/internal/infra/bus"
	"telegram-forwarder/internal/infra/logger"
)

// Таймауты HTTP-сервера. WriteTimeout не задаётся: его убил бы долгоживущий
// WebSocket-стрим событий.
const (
	readHeaderTimeout = 5 * time.Second
	readTimeout       = 30 * time.Second
	idleTimeout       = 120 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// AccountConnector — операции над живыми связями аккаунтов, которыми владеет
// слой приложения.
type AccountConnector interface {
	ConnectAccount(ctx context.Context, id string) error
	DisconnectAccount(id string) error
}

// Server — управляющий HTTP-сервер движка.
type Server struct {
	httpServer *http.Server
	sup        *forwarding.Supervisor
	registry   *accounts.Registry
	events     *bus.Bus
	connector  AccountConnector
}

// NewServer собирает сервер с маршрутами API на адресе addr.
func NewServer(addr string, sup *forwarding.Supervisor, registry *accounts.Registry, events *bus.Bus, connector AccountConnector) *Server {
	s := &Server{
		sup:       sup,
		registry:  registry,
		events:    events,
		connector: connector,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("POST /api/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleDeleteJob)
	mux.HandleFunc("POST /api/jobs/{id}/start", s.handleStartJob)
	mux.HandleFunc("POST /api/jobs/{id}/stop", s.handleStopJob)
	mux.HandleFunc("POST /api/jobs/{id}/pause", s.handlePauseJob)
	mux.HandleFunc("POST /api/jobs/{id}/reset", s.handleResetJob)
	mux.HandleFunc("GET /api/jobs/{id}/logs", s.handleJobLogs)

	mux.HandleFunc("GET /api/accounts", s.handleListAccounts)
	mux.HandleFunc("POST /api/accounts", s.handleCreateAccount)
	mux.HandleFunc("DELETE /api/accounts/{id}", s.handleDeleteAccount)
	mux.HandleFunc("POST /api/accounts/{id}/connect", s.handleConnectAccount)
	mux.HandleFunc("POST /api/accounts/{id}/disconnect", s.handleDisconnectAccount)

	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           logRequests(mux),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		IdleTimeout:       idleTimeout,
	}
	return s
}

// Start запускает сервер в фоне. Ошибка прослушивания уйдёт в лог: к этому
// моменту вызывающий уже продолжил запуск остальных сервисов.
func (s *Server) Start() {
	go func() {
		logger.Infof("web: listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("web: server stopped: %v", err)
		}
	}()
}

// Stop останавливает сервер, давая активным запросам shutdownTimeout на завершение.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logger.Warnf("web: shutdown: %v", err)
	}
}

// handleHealth — проверка живости процесса.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

// logRequests пишет каждый запрос в debug-лог.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debugf("web: %s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}
