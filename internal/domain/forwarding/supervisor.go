package forwarding

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"telegram-forwarder/internal/infra/bus"
	"telegram-forwarder/internal/infra/logger"
	"telegram-forwarder/internal/infra/progstore"
)

// Ошибки операций супервизора.
var (
	ErrJobNotFound   = errors.New("job not found")
	ErrJobRunning    = errors.New("job is running")
	ErrJobNotRunning = errors.New("job is not running")
)

// CreateParams — параметры создания задачи. Нулевые скоростные параметры
// заменяются дефолтами супервизора; ResetProgress заставляет первый запуск
// начать историю источника с начала.
type CreateParams struct {
	Name          string     `json:"name"`
	Source        string     `json:"source"`
	Target        string     `json:"target"`
	AccountIDs    []string   `json:"account_ids"`
	Policy        Policy     `json:"policy"`
	Rate          RateParams `json:"rate"`
	ResetProgress bool       `json:"reset_progress"`
}

// AccountDirectory отвечает супервизору на вопрос, авторизован ли аккаунт.
// Реализуется реестром аккаунтов; выделен в интерфейс, чтобы домен не зависел
// от пакета реестра.
type AccountDirectory interface {
	IsAuthenticated(id string) bool
}

// SystemStats — сводная статистика движка для API и мониторинга.
type SystemStats struct {
	Jobs       int            `json:"jobs"`
	ByStatus   map[string]int `json:"by_status"`
	Processed  int64          `json:"processed"`
	Successful int64          `json:"successful"`
	Failed     int64          `json:"failed"`
	Skipped    int64          `json:"skipped"`
}

// Supervisor — владелец всех задач пересылки: создание, запуск, остановка,
// восстановление после рестарта. Реализует StatusSink воркеров: изменения
// задач персистятся в хранилище и публикуются на шину событий.
type Supervisor struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	workers map[string]*Worker
	cancels map[string]context.CancelFunc

	store       *progstore.Store
	pool        *Pool
	gov         *Governor
	events      *bus.Bus
	accounts    AccountDirectory
	defaultRate RateParams

	wg sync.WaitGroup
}

// NewSupervisor создаёт супервизор над хранилищем store, пулом аккаунтов pool
// и шиной events. accounts отвечает на проверку авторизации аккаунтов при
// создании задач; defaultRate подставляется задачам без явных лимитов.
func NewSupervisor(store *progstore.Store, pool *Pool, gov *Governor, events *bus.Bus, accounts AccountDirectory, defaultRate RateParams) *Supervisor {
	return &Supervisor{
		jobs:        make(map[string]*Job),
		workers:     make(map[string]*Worker),
		cancels:     make(map[string]context.CancelFunc),
		store:       store,
		pool:        pool,
		gov:         gov,
		events:      events,
		accounts:    accounts,
		defaultRate: defaultRate,
	}
}

// Recover загружает задачи из хранилища. Задачи, числившиеся запущенными до
// рестарта, переводятся в pending: их курсор цел, перезапуск безопасен.
func (s *Supervisor) Recover() error {
	blobs, err := s.store.LoadJobs()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, blob := range blobs {
		var job Job
		if err := json.Unmarshal(blob, &job); err != nil {
			logger.Error("supervisor: skip corrupted job record",
				zap.String("job", id), zap.Error(err))
			continue
		}
		if job.Status == StatusRunning {
			job.Status = StatusPending
			if err := s.persistLocked(&job); err != nil {
				logger.Error("supervisor: persist recovered job",
					zap.String("job", id), zap.Error(err))
			}
		}
		s.jobs[job.ID] = &job
	}
	logger.Infof("supervisor: recovered %d jobs", len(s.jobs))
	return nil
}

// Create валидирует параметры и сохраняет новую задачу в статусе pending.
func (s *Supervisor) Create(params CreateParams) (*Job, error) {
	if _, err := ParseChatRef(params.Source); err != nil {
		return nil, errors.Wrap(err, "source")
	}
	if _, err := ParseChatRef(params.Target); err != nil {
		return nil, errors.Wrap(err, "target")
	}
	if len(params.AccountIDs) == 0 {
		return nil, errors.New("at least one account required")
	}
	for _, id := range params.AccountIDs {
		if !s.accounts.IsAuthenticated(id) {
			return nil, errors.Errorf("account %s is not authenticated", id)
		}
	}

	rate := params.Rate
	if rate.DelaySeconds <= 0 {
		rate.DelaySeconds = s.defaultRate.DelaySeconds
	}
	if rate.RatePerMinute <= 0 {
		rate.RatePerMinute = s.defaultRate.RatePerMinute
	}

	job := NewJob(params.Source, params.Target, params.AccountIDs, params.Policy, rate)
	job.Name = params.Name
	job.ResetProgress = params.ResetProgress

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persistLocked(job); err != nil {
		return nil, err
	}
	s.jobs[job.ID] = job
	s.publish(bus.EventStatusChange, job)
	return job.Clone(), nil
}

// Start запускает воркер задачи. Терминальная или paused задача стартует с
// сохранённого курсора; для запущенной возвращается ErrJobRunning.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if _, running := s.workers[id]; running {
		return ErrJobRunning
	}

	// Свежий запуск обнуляет статистику прошлого прогона; курсор не трогаем,
	// кроме однократного сброса, запрошенного при создании задачи.
	run := job.Clone()
	run.Stats = Stats{}
	run.CompletedAt = nil
	if run.ResetProgress {
		if err := s.store.ResetCursor(id); err != nil {
			return errors.Wrap(err, "reset cursor")
		}
		run.ResetProgress = false
		if err := s.persistLocked(run); err != nil {
			return err
		}
	}

	wctx, cancel := context.WithCancel(ctx)
	w := NewWorker(run, s.store, s.pool, s.gov, s)
	s.workers[id] = w
	s.cancels[id] = cancel
	s.jobs[id] = run

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		w.Run(wctx)
		s.mu.Lock()
		delete(s.workers, id)
		delete(s.cancels, id)
		s.mu.Unlock()
	}()
	return nil
}

// Stop запрашивает остановку задачи со статусом stopped.
func (s *Supervisor) Stop(id string) error { return s.interrupt(id, StatusStopped) }

// Pause запрашивает остановку задачи со статусом paused.
func (s *Supervisor) Pause(id string) error { return s.interrupt(id, StatusPaused) }

// interrupt доставляет воркеру запрос остановки с нужным итоговым статусом.
func (s *Supervisor) interrupt(id string, to Status) error {
	s.mu.Lock()
	w, running := s.workers[id]
	_, exists := s.jobs[id]
	s.mu.Unlock()

	if !exists {
		return ErrJobNotFound
	}
	if !running {
		return ErrJobNotRunning
	}
	w.Stop(to)
	return nil
}

// Delete останавливает задачу (если запущена) и удаляет её вместе с курсором
// и журналом. Блокируется до полной остановки воркера.
func (s *Supervisor) Delete(id string) error {
	s.mu.Lock()
	w, running := s.workers[id]
	_, exists := s.jobs[id]
	s.mu.Unlock()
	if !exists {
		return ErrJobNotFound
	}

	if running {
		w.Stop(StatusStopped)
		<-w.Done()
	}

	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	return s.store.DeleteJob(id)
}

// ResetProgress сбрасывает курсор остановленной задачи: следующий запуск
// пройдёт историю источника с самого начала.
func (s *Supervisor) ResetProgress(id string) error {
	s.mu.Lock()
	_, running := s.workers[id]
	_, exists := s.jobs[id]
	s.mu.Unlock()
	if !exists {
		return ErrJobNotFound
	}
	if running {
		return ErrJobRunning
	}
	return s.store.ResetCursor(id)
}

// Get возвращает копию задачи.
func (s *Supervisor) Get(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if w, running := s.workers[id]; running {
		return w.Snapshot(), nil
	}
	return job.Clone(), nil
}

// List возвращает копии всех задач.
func (s *Supervisor) List() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for id, job := range s.jobs {
		if w, running := s.workers[id]; running {
			out = append(out, w.Snapshot())
			continue
		}
		out = append(out, job.Clone())
	}
	return out
}

// Logs возвращает до limit новейших записей журнала задачи.
func (s *Supervisor) Logs(id string, limit int) ([]progstore.LogEntry, error) {
	s.mu.Lock()
	_, exists := s.jobs[id]
	s.mu.Unlock()
	if !exists {
		return nil, ErrJobNotFound
	}
	return s.store.TailLogs(id, limit)
}

// Stats агрегирует статистику по всем задачам.
func (s *Supervisor) Stats() SystemStats {
	stats := SystemStats{ByStatus: make(map[string]int)}
	for _, job := range s.List() {
		stats.Jobs++
		stats.ByStatus[string(job.Status)]++
		stats.Processed += job.Stats.Processed
		stats.Successful += job.Stats.Successful
		stats.Failed += job.Stats.Failed
		stats.Skipped += job.Stats.Skipped
	}
	return stats
}

// Close останавливает все воркеры и дожидается их завершения.
func (s *Supervisor) Close() {
	s.mu.Lock()
	for _, w := range s.workers {
		w.Stop(StatusStopped)
	}
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// --- StatusSink ---

// JobUpdated персистит изменившуюся задачу и публикует событие статуса.
func (s *Supervisor) JobUpdated(job *Job) {
	s.mu.Lock()
	s.jobs[job.ID] = job
	if err := s.persistLocked(job); err != nil {
		logger.Error("supervisor: persist job", zap.String("job", job.ID), zap.Error(err))
	}
	s.mu.Unlock()

	s.publish(bus.EventStatusChange, job)
	switch job.Status {
	case StatusCompleted:
		s.publish(bus.EventCompleted, job)
	case StatusFailed:
		s.events.Publish(bus.Event{
			Type:  bus.EventError,
			JobID: job.ID,
			Payload: map[string]any{
				"error":  job.Error,
				"status": string(job.Status),
			},
		})
	}
}

// Progress публикует продвижение курсора задачи.
func (s *Supervisor) Progress(job *Job, lastID int64) {
	s.events.Publish(bus.Event{
		Type:  bus.EventProgress,
		JobID: job.ID,
		Payload: map[string]any{
			"last_id":    lastID,
			"processed":  job.Stats.Processed,
			"successful": job.Stats.Successful,
			"failed":     job.Stats.Failed,
			"skipped":    job.Stats.Skipped,
		},
	})
}

// FloodWait публикует событие серверной паузы аккаунта.
func (s *Supervisor) FloodWait(job *Job, accountID string, wait time.Duration) {
	s.events.Publish(bus.Event{
		Type:  bus.EventFloodWait,
		JobID: job.ID,
		Payload: map[string]any{
			"account":      accountID,
			"wait_seconds": wait.Seconds(),
		},
	})
}

// Log пишет запись в журнал задачи и публикует её на шину.
func (s *Supervisor) Log(job *Job, level, message string, fields map[string]any) {
	entry := progstore.LogEntry{Level: level, Message: message, At: time.Now().UTC(), Fields: fields}
	if err := s.store.AppendLog(job.ID, entry); err != nil {
		logger.Error("supervisor: append job log", zap.String("job", job.ID), zap.Error(err))
	}
	payload := map[string]any{"level": level, "message": message}
	for k, v := range fields {
		payload[k] = v
	}
	s.events.Publish(bus.Event{Type: bus.EventLog, JobID: job.ID, Payload: payload})
}

// persistLocked сохраняет задачу в хранилище. Вызывающий держит mu.
func (s *Supervisor) persistLocked(job *Job) error {
	blob, err := json.Marshal(job)
	if err != nil {
		return errors.Wrapf(err, "encode job %s", job.ID)
	}
	return s.store.SaveJob(job.ID, blob)
}

// publish отправляет на шину событие со сводкой задачи.
func (s *Supervisor) publish(eventType bus.EventType, job *Job) {
	s.events.Publish(bus.Event{
		Type:  eventType,
		JobID: job.ID,
		Payload: map[string]any{
			"status":     string(job.Status),
			"processed":  job.Stats.Processed,
			"successful": job.Stats.Successful,
			"failed":     job.Stats.Failed,
			"skipped":    job.Stats.Skipped,
		},
	})
}
