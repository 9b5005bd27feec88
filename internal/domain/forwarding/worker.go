package forwarding

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"telegram-forwarder/internal/infra/logger"
	"telegram-forwarder/internal/infra/progstore"
)

// Параметры цикла воркера: окно выборки истории 5..15 сообщений, до трёх
// повторов временной ошибки на сообщение, пять подряд проваленных сообщений
// фатальны для задачи.
const (
	fetchWindowMin         = 5
	fetchWindowSpan        = 11
	transientRetries       = 3
	maxConsecutiveFailures = 5
	// generalTopicID — тема General форумной супергруппы.
	generalTopicID = 1
)

// errMessageFailed — сообщение не доставлено после всех повторов; курсор
// продвигается, задача продолжается.
var errMessageFailed = errors.New("message failed after retries")

// errAccountThrottled — регулятор велел подождать; пауза уже выдержана,
// попытку надо повторить, возможно уже через другой аккаунт.
var errAccountThrottled = errors.New("account throttled")

// StatusSink — обратная связь воркера с супервизором: персистентность задачи
// и публикация событий на шину. Реализация обязана быть неблокирующей.
type StatusSink interface {
	// JobUpdated вызывается после изменения статуса/статистики задачи.
	JobUpdated(job *Job)
	// Progress вызывается после продвижения курсора.
	Progress(job *Job, lastID int64)
	// FloodWait вызывается, когда сервер потребовал паузу для аккаунта.
	FloodWait(job *Job, accountID string, wait time.Duration)
	// Log добавляет запись в журнал задачи.
	Log(job *Job, level, message string, fields map[string]any)
}

// Worker исполняет одну задачу пересылки: читает историю источника окнами,
// фильтрует, отправляет через пул аккаунтов под контролем регулятора и
// продвигает долговременный курсор после каждого сообщения.
type Worker struct {
	mu     sync.Mutex
	job    *Job
	stopTo Status // запрошенный терминальный статус; "" — не запрошен

	cursor progstore.Cursor

	store *progstore.Store
	pool  *Pool
	gov   *Governor
	sink  StatusSink

	// Скоростные параметры задачи, транслируемые регулятору при каждой отправке.
	perMinute int
	baseDelay time.Duration

	done chan struct{}

	randInt func(n int) int
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewWorker создаёт воркер задачи. Воркер владеет job до закрытия done.
func NewWorker(job *Job, store *progstore.Store, pool *Pool, gov *Governor, sink StatusSink) *Worker {
	return &Worker{
		job:       job,
		store:     store,
		pool:      pool,
		gov:       gov,
		sink:      sink,
		perMinute: job.Rate.RatePerMinute,
		baseDelay: time.Duration(job.Rate.DelaySeconds * float64(time.Second)),
		done:      make(chan struct{}),
		randInt:   rand.Intn,
		sleep:     sleepCtx,
	}
}

// Done закрывается, когда воркер полностью остановился.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Snapshot возвращает копию задачи для внешних читателей.
func (w *Worker) Snapshot() *Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.job.Clone()
}

// Stop запрашивает остановку с итоговым статусом to (StatusStopped или
// StatusPaused). Воркер завершится на ближайшей точке проверки.
func (w *Worker) Stop(to Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopTo == "" {
		w.stopTo = to
	}
}

// stopRequested возвращает запрошенный терминальный статус, если он есть.
func (w *Worker) stopRequested() (Status, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopTo, w.stopTo != ""
}

// mutate выполняет изменение задачи под мьютексом и отдаёт её снимок синку.
func (w *Worker) mutate(fn func(j *Job)) {
	w.mu.Lock()
	fn(w.job)
	snapshot := w.job.Clone()
	w.mu.Unlock()
	w.sink.JobUpdated(snapshot)
}

// Run — главный цикл воркера. Блокируется до завершения задачи; итоговый
// статус задачи всегда терминальный либо paused.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	now := time.Now().UTC()
	w.mutate(func(j *Job) {
		j.Status = StatusRunning
		j.Error = ""
		j.Stats.StartedAt = &now
	})
	w.log("info", "job started", nil)

	err := w.run(ctx)
	switch {
	case err == nil:
		completed := time.Now().UTC()
		w.mutate(func(j *Job) {
			j.Status = StatusCompleted
			j.CompletedAt = &completed
		})
		w.log("info", "job completed", nil)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		w.finishInterrupted(StatusStopped)
	case errors.Is(err, errStopRequested):
		to, _ := w.stopRequested()
		if to == "" {
			to = StatusStopped
		}
		w.finishInterrupted(to)
	default:
		w.mutate(func(j *Job) {
			j.Status = StatusFailed
			j.Error = err.Error()
		})
		w.log("error", "job failed", map[string]any{"error": err.Error()})
	}
}

// errStopRequested сигнализирует выход из цикла по запросу Stop.
var errStopRequested = errors.New("stop requested")

// finishInterrupted выставляет статус прерванной задаче, сохраняя курсор.
func (w *Worker) finishInterrupted(to Status) {
	w.mutate(func(j *Job) { j.Status = to })
	w.log("info", "job interrupted", map[string]any{"status": string(to)})
}

// checkStop возвращает errStopRequested, если запрошена остановка или контекст отменён.
func (w *Worker) checkStop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := w.stopRequested(); ok {
		return errStopRequested
	}
	return nil
}

// run выполняет задачу и возвращает nil только при полном исчерпании истории.
func (w *Worker) run(ctx context.Context) error {
	job := w.Snapshot()

	cursor, found, err := w.store.LoadCursor(job.ID)
	if err != nil {
		return errors.Wrap(err, "load cursor")
	}
	if !found {
		cursor = progstore.Cursor{}
	}
	w.cursor = cursor
	logger.Debug("worker: cursor loaded",
		zap.String("job", job.ID), zap.Int64("last_id", cursor.LastID),
		zap.Int("delivered", len(cursor.Delivered)))

	source, target, topicID, err := w.resolveEndpoints(ctx, job)
	if err != nil {
		return err
	}

	consecutiveSuccesses := 0
	consecutiveFailures := 0
	it := NewIterator(w.pool, job.AccountIDs)

	for {
		if err := w.checkStop(ctx); err != nil {
			return err
		}

		window := fetchWindowMin + w.randInt(fetchWindowSpan)
		batch, err := w.fetchBatch(ctx, it, source, window)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		for _, msg := range batch {
			if err := w.checkStop(ctx); err != nil {
				return err
			}

			if w.cursor.HasDelivered(msg.ID) {
				if err := w.advance(msg.ID, false); err != nil {
					return err
				}
				w.bumpStats(func(s *Stats) { s.Processed++; s.Skipped++ })
				continue
			}

			action := Decide(msg, job.Policy)
			if action == ActionDrop {
				if err := w.advance(msg.ID, false); err != nil {
					return err
				}
				w.bumpStats(func(s *Stats) { s.Processed++; s.Skipped++ })
				continue
			}

			err := w.sendOne(ctx, it, target, msg, action, topicID)
			switch {
			case err == nil:
				if err := w.advance(msg.ID, true); err != nil {
					return err
				}
				w.bumpStats(func(s *Stats) { s.Processed++; s.Successful++ })
				consecutiveSuccesses++
				consecutiveFailures = 0
				if err := w.sleep(ctx, w.gov.DynamicDelay(w.baseDelay, consecutiveSuccesses)); err != nil {
					return err
				}
			case errors.Is(err, errMessageFailed):
				if err := w.advance(msg.ID, false); err != nil {
					return err
				}
				w.bumpStats(func(s *Stats) { s.Processed++; s.Failed++ })
				consecutiveSuccesses = 0
				consecutiveFailures++
				if consecutiveFailures >= maxConsecutiveFailures {
					return errors.Errorf("%d consecutive messages failed", consecutiveFailures)
				}
			default:
				return err
			}
		}
	}
}

// resolveEndpoints разрешает источник и цель задачи и выполняет предпроверку
// права записи для каждого аккаунта задачи. Широковещательный канал-цель с
// привязанной группой обсуждений заменяется этой группой; форумная цель
// получает тему General.
func (w *Worker) resolveEndpoints(ctx context.Context, job *Job) (source, target Entity, topicID int, err error) {
	sourceRef, err := ParseChatRef(job.Source)
	if err != nil {
		return source, target, 0, errors.Wrap(err, "parse source")
	}
	targetRef, err := ParseChatRef(job.Target)
	if err != nil {
		return source, target, 0, errors.Wrap(err, "parse target")
	}

	err = w.withHandle(ctx, NewIterator(w.pool, job.AccountIDs), func(h *Handle) error {
		t := h.Transport()

		src, rerr := t.ResolveEntity(ctx, sourceRef)
		if rerr != nil {
			return errors.Wrap(rerr, "resolve source")
		}
		tgt, rerr := t.ResolveEntity(ctx, targetRef)
		if rerr != nil {
			return errors.Wrap(rerr, "resolve target")
		}

		// Обычный аккаунт не пишет в канал напрямую: уходим в группу обсуждений.
		if tgt.Kind == EntityBroadcast && tgt.LinkedChatID != 0 {
			linked, lerr := t.ResolveEntity(ctx, ChatRef{ChatID: tgt.LinkedChatID})
			if lerr != nil {
				return errors.Wrap(lerr, "resolve linked chat")
			}
			w.log("info", "target redirected to linked discussion group", map[string]any{
				"channel": tgt.Title, "linked": linked.Title,
			})
			tgt = linked
		}

		source, target = src, tgt
		return nil
	})
	if err != nil {
		return source, target, 0, err
	}

	if err := w.probeAccounts(ctx, job, target); err != nil {
		return source, target, 0, err
	}

	if target.Forum {
		topicID = generalTopicID
	}
	return source, target, topicID, nil
}

// probeAccounts проверяет право записи в цель для каждого аккаунта задачи.
// Аккаунты без права записи или с отозванной сессией выбывают из ротации;
// ошибка возвращается, только если пригодных аккаунтов не осталось вовсе.
func (w *Worker) probeAccounts(ctx context.Context, job *Job, target Entity) error {
	usable := 0
	for _, id := range job.AccountIDs {
		if err := w.checkStop(ctx); err != nil {
			return err
		}

		h, ok := w.pool.Get(id)
		if !ok {
			continue
		}
		if healthy, _ := h.Healthy(); !healthy {
			continue
		}

		perr := h.Transport().Probe(ctx, target)
		switch {
		case perr == nil:
			usable++
		case errors.Is(perr, ErrWriteForbidden) || errors.Is(perr, ErrNotAuthorized):
			w.pool.MarkUnhealthy(id, perr.Error())
			w.log("warn", "account failed target pre-flight", map[string]any{
				"account": id, "error": perr.Error(),
			})
		default:
			if wait, ok := AsFloodWait(perr); ok {
				w.gov.NoteFloodWait(id, wait)
			}
			// Временный сбой предпроверки не приговор: ротация отправки разберётся.
			usable++
		}
	}
	if usable == 0 {
		return errors.Wrap(ErrNoAccounts, "target pre-flight")
	}
	return nil
}

// fetchBatch читает очередное окно истории, ротируя аккаунты при сбоях.
func (w *Worker) fetchBatch(ctx context.Context, it *Iterator, source Entity, limit int) ([]Message, error) {
	var batch []Message
	err := w.withHandle(ctx, it, func(h *Handle) error {
		msgs, ferr := h.Transport().FetchAscending(ctx, source, w.cursorLastID(), limit)
		if ferr != nil {
			return ferr
		}
		batch = msgs
		return nil
	})
	return batch, err
}

// cursorLastID возвращает текущий last_id курсора.
func (w *Worker) cursorLastID() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor.LastID
}

// withHandle выполняет fn, ротируя аккаунты: пауза регулятора и flood-wait
// уводят к следующему аккаунту, запрет записи и отзыв сессии помечают связь
// непригодной, временные ошибки повторяются с нарастающей паузой. Фатальные
// для задачи ошибки возвращаются как есть.
func (w *Worker) withHandle(ctx context.Context, it *Iterator, fn func(h *Handle) error) error {
	attempt := 0
	for {
		if err := w.checkStop(ctx); err != nil {
			return err
		}

		h, err := it.Next(ctx)
		if err != nil {
			return err
		}

		err = fn(h)
		if err == nil {
			return nil
		}

		job := w.Snapshot()
		switch {
		case errors.Is(err, errAccountThrottled):
			continue
		case IsFatalForJob(err):
			return err
		default:
			if wait, ok := AsFloodWait(err); ok {
				total := w.gov.NoteFloodWait(h.AccountID(), wait)
				w.sink.FloodWait(job, h.AccountID(), total)
				w.log("warn", "flood wait", map[string]any{
					"account": h.AccountID(), "wait": total.String(),
				})
				continue
			}
			if errors.Is(err, ErrWriteForbidden) {
				w.pool.MarkUnhealthy(h.AccountID(), err.Error())
				w.log("warn", "account cannot write to target", map[string]any{"account": h.AccountID()})
				continue
			}
			if errors.Is(err, ErrNotAuthorized) {
				w.pool.MarkUnhealthy(h.AccountID(), err.Error())
				w.log("error", "account lost authorization", map[string]any{"account": h.AccountID()})
				continue
			}
			if IsTransient(err) {
				attempt++
				if attempt > transientRetries {
					return errors.Wrap(err, "retries exhausted")
				}
				w.log("warn", "transient error, retrying", map[string]any{
					"attempt": attempt, "error": err.Error(),
				})
				if serr := w.sleep(ctx, time.Duration(attempt)*time.Second); serr != nil {
					return serr
				}
				continue
			}
			return err
		}
	}
}

// sendOne доставляет одно сообщение: слот регулятора, отправка под мьютексом
// аккаунта, ротация при flood-wait. Пауза, возвращённая регулятором,
// выдерживается здесь, после чего попытка уходит на следующий аккаунт ротации.
// Возвращает errMessageFailed, если после всех повторов сообщение так и не
// ушло (временные ошибки).
func (w *Worker) sendOne(ctx context.Context, it *Iterator, target Entity, msg Message, action Action, topicID int) error {
	err := w.withHandle(ctx, it, func(h *Handle) error {
		if wait := w.gov.Acquire(h.AccountID(), w.perMinute); wait > 0 {
			if serr := w.sleep(ctx, wait); serr != nil {
				return serr
			}
			return errAccountThrottled
		}
		h.LockSend()
		defer h.UnlockSend()

		if action == ActionSendText {
			return h.Transport().SendText(ctx, target, msg, topicID)
		}
		return h.Transport().SendFile(ctx, target, msg, topicID)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, errStopRequested) || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) || IsFatalForJob(err) || errors.Is(err, ErrNoAccounts) {
		return err
	}
	// Повторы исчерпаны: сообщение признаётся проваленным, задача продолжается.
	w.log("error", "message delivery failed", map[string]any{
		"message_id": msg.ID, "error": err.Error(),
	})
	return errMessageFailed
}

// advance продвигает курсор в хранилище и в памяти; delivered помечает
// сообщение доставленным для защиты от дублей при повторном запуске. Отказ
// хранилища возвращается наверх и роняет задачу: без записанного курсора
// следующий запуск отправил бы уже доставленные сообщения повторно.
func (w *Worker) advance(msgID int64, delivered bool) error {
	deliveredID := int64(0)
	if delivered {
		deliveredID = msgID
	}
	if err := w.store.Append(w.jobID(), msgID, deliveredID); err != nil {
		logger.Error("worker: cursor append failed",
			zap.String("job", w.jobID()), zap.Error(err))
		return errors.Wrap(err, "persist cursor")
	}

	w.mu.Lock()
	if msgID > w.cursor.LastID {
		w.cursor.LastID = msgID
	}
	if delivered {
		w.cursor.Delivered = append(w.cursor.Delivered, msgID)
	}
	snapshot := w.job.Clone()
	w.mu.Unlock()

	if delivered {
		w.sink.Progress(snapshot, msgID)
	}
	return nil
}

// bumpStats обновляет статистику задачи и уведомляет синк.
func (w *Worker) bumpStats(fn func(s *Stats)) {
	w.mutate(func(j *Job) { fn(&j.Stats) })
}

// jobID возвращает идентификатор задачи.
func (w *Worker) jobID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.job.ID
}

// log пишет запись в журнал задачи через синк и дублирует в общий логгер.
func (w *Worker) log(level, message string, fields map[string]any) {
	job := w.Snapshot()
	w.sink.Log(job, level, message, fields)
	switch level {
	case "error":
		logger.Errorf("job %s: %s", job.ID, message)
	case "warn":
		logger.Warnf("job %s: %s", job.ID, message)
	default:
		logger.Debugf("job %s: %s", job.ID, message)
	}
}
