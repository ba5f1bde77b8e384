package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mirzoev/finebot/internal/model"
	"github.com/mirzoev/finebot/internal/monitor/config"
	"github.com/mirzoev/finebot/internal/notifier"
)

// Используемая часть хранилища
type Repository interface {
	BindingListActive(ctx context.Context) ([]model.VehicleBinding, error)
	BindingPurgeExpired(ctx context.Context) (int, error)
	TrackedOrdersUpdate(ctx context.Context, bindingID int64, orders []string) error
	FineOrderSave(ctx context.Context, fine model.FineOrder) error
	FineOrderMarkNotified(ctx context.Context, order string, userID int64) error
}

// Используемая часть скрейпера
type Searcher interface {
	SearchFines(ctx context.Context, plate string) (model.SearchResult, error)
}

const (
	defaultPollInterval    = 30 * time.Minute
	defaultRateLimitDelay  = 5 * time.Second
	defaultNotifyDelay     = 2 * time.Second
	defaultErrorRetryDelay = time.Minute
	defaultStopGrace       = 10 * time.Second
)

// Фоновый мониторинг штрафов: периодически опрашивает портал
// по всем активным привязкам и уведомляет о новых штрафах.
// Привязки обрабатываются строго последовательно: сессия портала
// и окно частоты запросов не рассчитаны на конкурентный доступ
type Monitor struct {
	cfg      config.Config
	repo     Repository
	searcher Searcher
	notifier notifier.Notifier
	zaplog   *zap.Logger

	mu       sync.Mutex
	running  bool
	stopping bool
	stop     chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc
}

func NewMonitor(cfg config.Config, repo Repository, searcher Searcher, ntf notifier.Notifier, zaplog *zap.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.RateLimitDelay <= 0 {
		cfg.RateLimitDelay = defaultRateLimitDelay
	}
	if cfg.NotifyDelay <= 0 {
		cfg.NotifyDelay = defaultNotifyDelay
	}
	if cfg.ErrorRetryDelay <= 0 {
		cfg.ErrorRetryDelay = defaultErrorRetryDelay
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}

	return &Monitor{
		cfg:      cfg,
		repo:     repo,
		searcher: searcher,
		notifier: ntf,
		zaplog:   zaplog,
	}
}

// Запуск фонового цикла. Повторный запуск работающего монитора игнорируется
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		m.zaplog.Warn("monitoring loop is already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.stopping = false
	m.cancel = cancel
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	go m.loop(ctx, m.stop, m.done)
	m.zaplog.Info("monitoring loop started", zap.Duration("interval", m.cfg.PollInterval))
}

// Остановка цикла. Новая привязка в обработку не берётся,
// текущей даётся время завершиться, по истечении StopGrace
// выполняется принудительная отмена. Повторный вызов безопасен
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	if !m.stopping {
		m.stopping = true
		close(m.stop)
	}
	done := m.done
	cancel := m.cancel
	m.mu.Unlock()

	select {
	case <-done:
	case <-time.After(m.cfg.StopGrace):
		m.zaplog.Warn("monitoring loop did not stop gracefully, cancelling")
		cancel()
		<-done
	}

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	m.zaplog.Info("monitoring loop stopped")
}

func (m *Monitor) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		default:
		}

		delay := m.cfg.PollInterval
		if err := m.runCycle(ctx, stop); err != nil {
			m.zaplog.Error("monitoring cycle failed", zap.Error(err))
			delay = m.cfg.ErrorRetryDelay
		}

		// ожидание следующего цикла с возможностью прерывания
		select {
		case <-stop:
			return
		case <-time.After(delay):
		}
	}
}

func (m *Monitor) runCycle(ctx context.Context, stop <-chan struct{}) error {
	purged, err := m.repo.BindingPurgeExpired(ctx)
	if err != nil {
		return fmt.Errorf("purge expired bindings: %w", err)
	}
	if purged > 0 {
		m.zaplog.Info("expired bindings purged", zap.Int("count", purged))
	}

	bindings, err := m.repo.BindingListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active bindings: %w", err)
	}
	m.zaplog.Info("active bindings to check", zap.Int("count", len(bindings)))

	for _, binding := range bindings {
		select {
		case <-stop:
			return nil
		default:
		}

		m.checkBinding(ctx, binding)

		// пауза между привязками, чтобы не нагружать портал
		select {
		case <-stop:
			return nil
		case <-time.After(m.cfg.RateLimitDelay):
		}
	}
	return nil
}

// Обработка одной привязки. Ошибка или паника не прерывает цикл
func (m *Monitor) checkBinding(ctx context.Context, binding model.VehicleBinding) {
	defer func() {
		if r := recover(); r != nil {
			m.zaplog.Error("panic while checking binding",
				zap.Int64("binding", binding.ID),
				zap.Any("panic", r))
		}
	}()

	if err := m.reconcile(ctx, binding); err != nil {
		m.zaplog.Error("binding check failed",
			zap.Int64("binding", binding.ID),
			zap.Int64("user", binding.UserID),
			zap.String("plate", binding.Plate),
			zap.Error(err))
	}
}

// Сверка списка штрафов с сохранённым базовым списком.
// Ошибка опроса не изменяет сохранённое состояние: следующий цикл
// повторит сверку от того же базового списка
func (m *Monitor) reconcile(ctx context.Context, binding model.VehicleBinding) error {
	result, err := m.searcher.SearchFines(ctx, binding.Plate)
	if err != nil {
		return fmt.Errorf("fines search: %w", err)
	}

	currentOrders := make([]string, 0, len(result.Fines))
	for _, fine := range result.Fines {
		if fine.Order != "" {
			currentOrders = append(currentOrders, fine.Order)
		}
	}

	// первый проход: фиксируем базовый список без уведомлений.
	// Штрафы, существовавшие на момент привязки, пользователю уже известны
	if !binding.TrackedInitialized {
		m.zaplog.Info("initializing tracked orders",
			zap.Int64("binding", binding.ID),
			zap.Int("orders", len(currentOrders)))
		return m.repo.TrackedOrdersUpdate(ctx, binding.ID, currentOrders)
	}

	tracked := make(map[string]struct{}, len(binding.TrackedOrders))
	for _, order := range binding.TrackedOrders {
		tracked[order] = struct{}{}
	}

	// новые штрафы в порядке выдачи портала, дубликаты отбрасываются
	var newFines []model.FineRecord
	seen := make(map[string]struct{})
	for _, fine := range result.Fines {
		if fine.Order == "" {
			continue
		}
		if _, ok := tracked[fine.Order]; ok {
			continue
		}
		if _, ok := seen[fine.Order]; ok {
			continue
		}
		seen[fine.Order] = struct{}{}
		newFines = append(newFines, fine)
	}

	m.zaplog.Info("orders compared",
		zap.Int64("binding", binding.ID),
		zap.Int("tracked", len(tracked)),
		zap.Int("current", len(currentOrders)),
		zap.Int("new", len(newFines)))

	for i, fine := range newFines {
		m.zaplog.Info("new fine detected",
			zap.String("order", fine.Order),
			zap.Int64("user", binding.UserID))

		if m.notifier.Notify(ctx, binding.UserID, fine, binding.Plate, result.VehicleInfo) {
			fineOrder := model.FineOrder{
				Order:      fine.Order,
				UserID:     binding.UserID,
				Plate:      binding.Plate,
				Violation:  fine.Violation,
				Date:       fine.Date,
				Amount:     fine.Amount,
				MediaLinks: fine.MediaLinks,
			}
			if err := m.repo.FineOrderSave(ctx, fineOrder); err != nil {
				return fmt.Errorf("save fine order %s: %w", fine.Order, err)
			}
			if err := m.repo.FineOrderMarkNotified(ctx, fine.Order, binding.UserID); err != nil {
				return fmt.Errorf("mark order %s notified: %w", fine.Order, err)
			}
		} else {
			// неотправленное уведомление не повторяется: штраф попадёт
			// в новый базовый список и больше не будет считаться новым
			m.zaplog.Warn("fine notification failed, will not be retried",
				zap.String("order", fine.Order),
				zap.Int64("user", binding.UserID))
		}

		if i < len(newFines)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.cfg.NotifyDelay):
			}
		}
	}

	// полная перезапись базового списка после прохода.
	// Оплаченные и снятые штрафы при этом молча исчезают из сравнения
	return m.repo.TrackedOrdersUpdate(ctx, binding.ID, currentOrders)
}
