package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-faster/errors"

	"telegram-forwarder/internal/domain/accounts"
	"telegram-forwarder/internal/domain/forwarding"
)

// defaultLogTail — сколько записей журнала отдаётся без явного limit.
const defaultLogTail = 100

// jobView — представление задачи в API: статистика дополняется производными
// метриками темпа и доли успеха.
type jobView struct {
	*forwarding.Job
	SuccessRate       float64 `json:"success_rate"`
	MessagesPerMinute float64 `json:"messages_per_minute"`
}

func viewJob(job *forwarding.Job) jobView {
	return jobView{
		Job:               job,
		SuccessRate:       job.Stats.SuccessRate(),
		MessagesPerMinute: job.Stats.MessagesPerMinute(time.Now().UTC()),
	}
}

// accountView — представление аккаунта без блоба сессии.
type accountView struct {
	ID         string    `json:"id"`
	Phone      string    `json:"phone"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	HasSession bool      `json:"has_session"`
}

func viewAccount(acc *accounts.Account) accountView {
	return accountView{
		ID:         acc.ID,
		Phone:      acc.Phone,
		Status:     string(acc.Status),
		Error:      acc.Error,
		CreatedAt:  acc.CreatedAt,
		LastActive: acc.LastActive,
		HasSession: len(acc.Session) > 0,
	}
}

// jobStatusCode переводит ошибку супервизора в HTTP-статус.
func jobStatusCode(err error) int {
	switch {
	case errors.Is(err, forwarding.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, forwarding.ErrJobRunning), errors.Is(err, forwarding.ErrJobNotRunning):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.sup.List()
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, viewJob(job))
	}
	writeData(w, http.StatusOK, views)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var params forwarding.CreateParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	job, err := s.sup.Create(params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeData(w, http.StatusCreated, viewJob(job))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.sup.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, jobStatusCode(err), err.Error())
		return
	}
	writeData(w, http.StatusOK, viewJob(job))
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Delete(r.PathValue("id")); err != nil {
		writeError(w, jobStatusCode(err), err.Error())
		return
	}
	writeData(w, http.StatusOK, nil)
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Start(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, jobStatusCode(err), err.Error())
		return
	}
	writeData(w, http.StatusAccepted, nil)
}

func (s *Server) handleStopJob(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Stop(r.PathValue("id")); err != nil {
		writeError(w, jobStatusCode(err), err.Error())
		return
	}
	writeData(w, http.StatusAccepted, nil)
}

func (s *Server) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Pause(r.PathValue("id")); err != nil {
		writeError(w, jobStatusCode(err), err.Error())
		return
	}
	writeData(w, http.StatusAccepted, nil)
}

func (s *Server) handleResetJob(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.ResetProgress(r.PathValue("id")); err != nil {
		writeError(w, jobStatusCode(err), err.Error())
		return
	}
	writeData(w, http.StatusOK, nil)
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogTail
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = v
	}
	logs, err := s.sup.Logs(r.PathValue("id"), limit)
	if err != nil {
		writeError(w, jobStatusCode(err), err.Error())
		return
	}
	writeData(w, http.StatusOK, logs)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, _ *http.Request) {
	list := s.registry.List()
	views := make([]accountView, 0, len(list))
	for _, acc := range list {
		views = append(views, viewAccount(acc))
	}
	writeData(w, http.StatusOK, views)
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Phone string `json:"phone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	acc, err := s.registry.Create(body.Phone)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, accounts.ErrPhoneInUse) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeData(w, http.StatusCreated, viewAccount(acc))
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	// Живую связь рвём перед удалением: Delete отклоняет подключённые аккаунты.
	if err := s.connector.DisconnectAccount(id); err != nil && !errors.Is(err, accounts.ErrNotFound) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.registry.Delete(id); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, accounts.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeData(w, http.StatusOK, nil)
}

func (s *Server) handleConnectAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.connector.ConnectAccount(r.Context(), id); err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, accounts.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, accounts.ErrAlreadyLive):
			status = http.StatusConflict
		case errors.Is(err, forwarding.ErrNotAuthorized):
			status = http.StatusUnauthorized
		}
		writeError(w, status, err.Error())
		return
	}
	writeData(w, http.StatusOK, nil)
}

func (s *Server) handleDisconnectAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.connector.DisconnectAccount(id); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, accounts.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeData(w, http.StatusOK, nil)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.sup.Stats()
	connected := 0
	for _, acc := range s.registry.List() {
		if acc.Status == accounts.StatusAuthenticated {
			connected++
		}
	}
	writeData(w, http.StatusOK, map[string]any{
		"jobs":               stats,
		"accounts":           len(s.registry.List()),
		"accounts_connected": connected,
		"event_subscribers":  s.events.Subscribers(),
	})
}
