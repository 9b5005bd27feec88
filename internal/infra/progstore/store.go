// Package progstore — долговременное хранилище движка пересылки поверх bbolt.
// Одна база, четыре корзины: задачи, курсоры прогресса, аккаунты и журналы
// задач. Задачи и аккаунты хранятся как непрозрачные JSON-блобы (сериализацию
// выполняет доменный слой), курсоры и записи журнала типизированы здесь,
// потому что их инварианты (монотонность last_id, граница delivered) — зона
// ответственности хранилища.
package progstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"sort"
	"time"

	"github.com/go-faster/errors"
	bolt "go.etcd.io/bbolt"

	"telegram-forwarder/internal/infra/logger"
	"telegram-forwarder/internal/infra/storage"
)

// Имена корзин верхнего уровня. bucketLogs содержит по вложенной корзине на задачу.
var (
	bucketJobs     = []byte("jobs")
	bucketProgress = []byte("progress")
	bucketAccounts = []byte("accounts")
	bucketLogs     = []byte("logs")
)

// Cursor — точка возобновления задачи: последний обработанный id источника и
// хвост доставленных id для защиты от дублей при повторе последнего окна.
type Cursor struct {
	LastID    int64   `json:"last_id"`
	Delivered []int64 `json:"delivered"`
}

// HasDelivered проверяет, доставлялось ли сообщение id ранее.
func (c Cursor) HasDelivered(id int64) bool {
	for _, v := range c.Delivered {
		if v == id {
			return true
		}
	}
	return false
}

// LogEntry — одна строка журнала задачи, доступная через API и экспорт.
type LogEntry struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	At      time.Time      `json:"timestamp"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Store — обёртка над bbolt-базой. Все методы потокобезопасны (гарантии bbolt).
type Store struct {
	db            *bolt.DB
	deliveredKeep int
}

// Open открывает (или создаёт) базу по пути path и гарантирует наличие корзин.
// deliveredKeep ограничивает размер множества Delivered в курсорах (<=0 — без
// ограничения не бывает, подставляется 100_000).
func Open(path string, deliveredKeep int) (*Store, error) {
	if deliveredKeep <= 0 {
		deliveredKeep = 100_000
	}
	if err := storage.EnsureDir(path); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, storage.DefaultFilePerm, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt db %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketJobs, bucketProgress, bucketAccounts, bucketLogs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "create bucket %s", name)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Debugf("progstore: opened %s (delivered keep %d)", path, deliveredKeep)
	return &Store{db: db, deliveredKeep: deliveredKeep}, nil
}

// Close закрывает базу. Повторный вызов безопасен для уже закрытой базы bbolt.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Курсоры прогресса ---

// LoadCursor возвращает курсор задачи. Второй результат false — курсора нет
// (задача ещё не начинала обработку).
func (s *Store) LoadCursor(jobID string) (Cursor, bool, error) {
	var (
		cur   Cursor
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketProgress).Get([]byte(jobID))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &cur); err != nil {
			return errors.Wrapf(err, "decode cursor %s", jobID)
		}
		found = true
		return nil
	})
	return cur, found, err
}

// Append продвигает курсор задачи в одной транзакции: last_id поднимается до
// lastID (никогда не опускается), deliveredID > 0 добавляется в множество
// доставленных. deliveredID <= 0 означает продвижение без доставки (скип).
// Множество Delivered усечётся до deliveredKeep новейших id.
func (s *Store) Append(jobID string, lastID, deliveredID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProgress)
		var cur Cursor
		if raw := b.Get([]byte(jobID)); raw != nil {
			if err := json.Unmarshal(raw, &cur); err != nil {
				return errors.Wrapf(err, "decode cursor %s", jobID)
			}
		}
		if lastID > cur.LastID {
			cur.LastID = lastID
		}
		if deliveredID > 0 && !cur.HasDelivered(deliveredID) {
			cur.Delivered = append(cur.Delivered, deliveredID)
			cur.Delivered = trimDelivered(cur.Delivered, s.deliveredKeep)
		}
		raw, err := json.Marshal(cur)
		if err != nil {
			return errors.Wrapf(err, "encode cursor %s", jobID)
		}
		return b.Put([]byte(jobID), raw)
	})
}

// ResetCursor удаляет курсор задачи: следующий запуск начнёт историю с нуля.
func (s *Store) ResetCursor(jobID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProgress).Delete([]byte(jobID))
	})
}

// trimDelivered оставляет keep новейших id. Идентификаторы сообщений Telegram
// монотонно растут внутри чата, поэтому новейшие — просто наибольшие.
func trimDelivered(ids []int64, keep int) []int64 {
	if len(ids) <= keep {
		return ids
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return append([]int64(nil), ids[len(ids)-keep:]...)
}

// --- Задачи ---

// SaveJob сохраняет сериализованную задачу под её id.
func (s *Store) SaveJob(id string, blob []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Put([]byte(id), bytes.Clone(blob))
	})
}

// LoadJobs возвращает все сохранённые задачи: id → JSON-блоб.
func (s *Store) LoadJobs() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			out[string(k)] = bytes.Clone(v)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "load jobs")
	}
	return out, nil
}

// DeleteJob удаляет задачу вместе с её курсором и журналом в одной транзакции.
func (s *Store) DeleteJob(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketJobs).Delete([]byte(id)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketProgress).Delete([]byte(id)); err != nil {
			return err
		}
		logs := tx.Bucket(bucketLogs)
		if logs.Bucket([]byte(id)) != nil {
			return logs.DeleteBucket([]byte(id))
		}
		return nil
	})
}

// --- Аккаунты ---

// SaveAccount сохраняет сериализованный аккаунт под его id.
func (s *Store) SaveAccount(id string, blob []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccounts).Put([]byte(id), bytes.Clone(blob))
	})
}

// LoadAccounts возвращает все сохранённые аккаунты: id → JSON-блоб.
func (s *Store) LoadAccounts() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccounts).ForEach(func(k, v []byte) error {
			out[string(k)] = bytes.Clone(v)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "load accounts")
	}
	return out, nil
}

// DeleteAccount удаляет запись аккаунта.
func (s *Store) DeleteAccount(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccounts).Delete([]byte(id))
	})
}

// --- Журналы задач ---

// logKey — ключ записи журнала: наносекундная метка времени + порядковый номер
// корзины. Сортировка ключей bbolt даёт хронологический порядок и уникальность
// при одинаковых метках.
func logKey(at time.Time, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(at.UnixNano()))
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}

// AppendLog добавляет запись в журнал задачи.
func (s *Store) AppendLog(jobID string, entry LogEntry) error {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketLogs).CreateBucketIfNotExists([]byte(jobID))
		if err != nil {
			return errors.Wrapf(err, "create log bucket %s", jobID)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return errors.Wrap(err, "encode log entry")
		}
		return b.Put(logKey(entry.At, seq), raw)
	})
}

// TailLogs возвращает до limit новейших записей журнала задачи в
// хронологическом порядке. limit <= 0 — все записи.
func (s *Store) TailLogs(jobID string, limit int) ([]LogEntry, error) {
	var out []LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogs).Bucket([]byte(jobID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var entry LogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return errors.Wrapf(err, "decode log entry %s", jobID)
			}
			out = append(out, entry)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Обход шёл от новых к старым: разворачиваем в хронологический порядок.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
