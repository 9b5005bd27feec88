package forwarding

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Окно подсчёта отправок и границы джиттера после flood-wait.
const (
	rateWindow       = time.Minute
	floodJitterMin   = 2 * time.Second
	floodJitterSpan  = 5 * time.Second
	defaultPerMinute = 20
	defaultBaseDelay = 2 * time.Second
)

// Governor — регулятор скорости отправок. Ведёт скользящее минутное окно по
// каждому аккаунту, помнит серверные flood-wait-паузы и вычисляет динамическую
// задержку между отправками. Лимиты на вызов приходят из параметров задачи;
// конструкторные значения служат дефолтами. Часы и генератор случайных чисел
// инъектируются, чтобы тесты шли в виртуальном времени.
type Governor struct {
	mu        sync.Mutex
	perMinute int
	baseDelay time.Duration

	// sends — метки отправок в пределах окна, от старых к новым.
	sends map[string][]time.Time
	// flooded — запрет отправок аккаунту до указанного момента.
	flooded map[string]time.Time

	now       func() time.Time
	randFloat func() float64
}

// NewGovernor создаёт регулятор с дефолтным лимитом perMinute отправок в
// минуту на аккаунт и дефолтной базовой задержкой baseDelay между отправками.
func NewGovernor(perMinute int, baseDelay time.Duration) *Governor {
	if perMinute <= 0 {
		perMinute = defaultPerMinute
	}
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	return &Governor{
		perMinute: perMinute,
		baseDelay: baseDelay,
		sends:     make(map[string][]time.Time),
		flooded:   make(map[string]time.Time),
		now:       time.Now,
		randFloat: rand.Float64,
	}
}

// sleepCtx спит d либо до отмены контекста.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Acquire запрашивает право отправки для аккаунта при лимите perMinute
// (неположительный лимит заменяется дефолтным). Нулевой результат означает
// «отправлять можно прямо сейчас» и резервирует слот в минутном окне;
// положительный — сколько вызывающему ждать перед повтором, возможно уже с
// другим аккаунтом.
func (g *Governor) Acquire(accountID string, perMinute int) time.Duration {
	if perMinute <= 0 {
		perMinute = g.perMinute
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if wait := g.waitForLocked(accountID, now, perMinute); wait > 0 {
		return wait
	}
	g.recordLocked(accountID, now)
	return 0
}

// waitForLocked возвращает, сколько аккаунту осталось ждать до права отправки.
// Вызывающий держит mu.
func (g *Governor) waitForLocked(accountID string, now time.Time, perMinute int) time.Duration {
	var wait time.Duration
	if until, ok := g.flooded[accountID]; ok {
		if now.Before(until) {
			wait = until.Sub(now)
		} else {
			delete(g.flooded, accountID)
		}
	}

	sends := g.pruneLocked(accountID, now)
	if len(sends) >= perMinute {
		if w := sends[len(sends)-perMinute].Add(rateWindow).Sub(now); w > wait {
			wait = w
		}
	}
	return wait
}

// pruneLocked отбрасывает метки отправок старше окна. Вызывающий держит mu.
func (g *Governor) pruneLocked(accountID string, now time.Time) []time.Time {
	sends := g.sends[accountID]
	cutoff := now.Add(-rateWindow)
	for len(sends) > 0 && !sends[0].After(cutoff) {
		sends = sends[1:]
	}
	g.sends[accountID] = sends
	return sends
}

// recordLocked фиксирует отправку аккаунта. Вызывающий держит mu.
func (g *Governor) recordLocked(accountID string, now time.Time) {
	g.sends[accountID] = append(g.sends[accountID], now)
}

// NoteFloodWait фиксирует серверное требование паузы для аккаунта и добавляет
// джиттер 2..7 секунд, чтобы возобновление не было синхронным у всех задач.
// Возвращает суммарную длительность запрета.
func (g *Governor) NoteFloodWait(accountID string, wait time.Duration) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := wait + floodJitterMin + time.Duration(g.randFloat()*float64(floodJitterSpan))
	until := g.now().Add(total)
	if cur, ok := g.flooded[accountID]; !ok || until.After(cur) {
		g.flooded[accountID] = until
	}
	return total
}

// FloodUntil возвращает момент окончания flood-паузы аккаунта, если она активна.
func (g *Governor) FloodUntil(accountID string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.flooded[accountID]
	if ok && !g.now().Before(until) {
		delete(g.flooded, accountID)
		return time.Time{}, false
	}
	return until, ok
}

// DynamicDelay вычисляет паузу после успешной отправки по длине серии
// последовательных успехов: длинная серия ускоряет темп, свежая ошибка
// замедляет, обычный режим держится около базовой задержки. Базу передаёт
// вызывающий из параметров задачи; неположительная заменяется дефолтной.
func (g *Governor) DynamicDelay(baseDelay time.Duration, consecutiveSuccesses int) time.Duration {
	if baseDelay <= 0 {
		baseDelay = g.baseDelay
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	base := float64(baseDelay)
	var lo, hi float64
	switch {
	case consecutiveSuccesses > 20:
		lo, hi = float64(500*time.Millisecond), base
	case consecutiveSuccesses < 5:
		lo, hi = base, 3*base
	default:
		lo, hi = 0.8*base, 1.2*base
	}
	if hi < lo {
		lo, hi = hi, lo
	}
	return time.Duration(lo + g.randFloat()*(hi-lo))
}
