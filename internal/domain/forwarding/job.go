package forwarding

import (
	"time"

	"github.com/google/uuid"
)

// Status — статус жизненного цикла задачи пересылки.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// IsTerminal сообщает, завершён ли статус: из терминального состояния задачу
// можно только перезапустить заново.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// RateParams — скоростные параметры задачи. DelaySeconds — базовая пауза
// между отправками (вокруг неё строится динамический джиттер), RatePerMinute —
// потолок отправок в скользящем минутном окне на аккаунт.
type RateParams struct {
	DelaySeconds  float64 `json:"delay_seconds"`
	RatePerMinute int     `json:"rate_per_minute"`
}

// Stats — накопительная статистика задачи. Processed = Successful + Failed +
// Skipped; счётчики только растут в пределах одного запуска.
type Stats struct {
	Processed  int64      `json:"processed"`
	Successful int64      `json:"successful"`
	Failed     int64      `json:"failed"`
	Skipped    int64      `json:"skipped"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
}

// SuccessRate возвращает долю успешных отправок среди обработанных, в процентах.
func (s Stats) SuccessRate() float64 {
	if s.Processed == 0 {
		return 0
	}
	return float64(s.Successful) / float64(s.Processed) * 100
}

// MessagesPerMinute возвращает темп успешных отправок с момента запуска.
func (s Stats) MessagesPerMinute(now time.Time) float64 {
	if s.StartedAt == nil {
		return 0
	}
	minutes := now.Sub(*s.StartedAt).Minutes()
	if minutes <= 0 {
		return 0
	}
	return float64(s.Successful) / minutes
}

// Job — задача копирования истории: источник, цель, аккаунты-исполнители,
// политика фильтрации и скоростные параметры. Сериализуется в хранилище как
// есть; курсор прогресса хранится отдельно и переживает удаление статистики.
type Job struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Source string `json:"source"`
	Target string `json:"target"`
	// AccountIDs — аккаунты-исполнители в порядке ротации.
	AccountIDs []string   `json:"account_ids"`
	Policy     Policy     `json:"policy"`
	Rate       RateParams `json:"rate"`
	// ResetProgress — однократный запрос сброса курсора: первый запуск задачи
	// начнёт историю с начала, после чего флаг снимается.
	ResetProgress bool `json:"reset_progress,omitempty"`

	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	Stats       Stats      `json:"stats"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewJob создаёт задачу в статусе pending со свежим идентификатором.
func NewJob(source, target string, accountIDs []string, policy Policy, rate RateParams) *Job {
	return &Job{
		ID:         uuid.NewString(),
		Source:     source,
		Target:     target,
		AccountIDs: append([]string(nil), accountIDs...),
		Policy:     policy,
		Rate:       rate,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
}

// Clone возвращает глубокую копию задачи. Супервизор раздаёт наружу только
// копии, чтобы читатели не гонялись с воркером за общие срезы.
func (j *Job) Clone() *Job {
	cp := *j
	cp.AccountIDs = append([]string(nil), j.AccountIDs...)
	cp.Policy.Allowed = append([]string(nil), j.Policy.Allowed...)
	if j.Stats.StartedAt != nil {
		t := *j.Stats.StartedAt
		cp.Stats.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
