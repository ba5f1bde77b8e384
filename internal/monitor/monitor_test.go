package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mirzoev/finebot/internal/model"
	"github.com/mirzoev/finebot/internal/monitor/config"
)

type fakeRepo struct {
	bindings []model.VehicleBinding
	purged   int

	tracked     map[int64][]string
	saved       []model.FineOrder
	notified    []string
	saveErr     error
	listErr     error
	trackedErrs error
}

func newFakeRepo(bindings ...model.VehicleBinding) *fakeRepo {
	return &fakeRepo{
		bindings: bindings,
		tracked:  make(map[int64][]string),
	}
}

func (r *fakeRepo) BindingListActive(_ context.Context) ([]model.VehicleBinding, error) {
	return r.bindings, r.listErr
}

func (r *fakeRepo) BindingPurgeExpired(_ context.Context) (int, error) {
	r.purged++
	return 0, nil
}

func (r *fakeRepo) TrackedOrdersUpdate(_ context.Context, bindingID int64, orders []string) error {
	if r.trackedErrs != nil {
		return r.trackedErrs
	}
	r.tracked[bindingID] = orders
	return nil
}

func (r *fakeRepo) FineOrderSave(_ context.Context, fine model.FineOrder) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	r.saved = append(r.saved, fine)
	return nil
}

func (r *fakeRepo) FineOrderMarkNotified(_ context.Context, order string, _ int64) error {
	r.notified = append(r.notified, order)
	return nil
}

type fakeSearcher struct {
	result model.SearchResult
	err    error
	calls  atomic.Int32
}

func (s *fakeSearcher) SearchFines(_ context.Context, _ string) (model.SearchResult, error) {
	s.calls.Add(1)
	return s.result, s.err
}

type fakeNotifier struct {
	failOrders map[string]bool
	sent       []string
}

func (n *fakeNotifier) Notify(_ context.Context, _ int64, fine model.FineRecord, _ string, _ model.VehicleInfo) bool {
	if n.failOrders[fine.Order] {
		return false
	}
	n.sent = append(n.sent, fine.Order)
	return true
}

func testConfig() config.Config {
	return config.Config{
		PollInterval:    50 * time.Millisecond,
		RateLimitDelay:  time.Millisecond,
		NotifyDelay:     time.Millisecond,
		ErrorRetryDelay: 50 * time.Millisecond,
		StopGrace:       time.Second,
	}
}

func fines(orders ...string) []model.FineRecord {
	result := make([]model.FineRecord, 0, len(orders))
	for _, order := range orders {
		result = append(result, model.FineRecord{
			Order:     order,
			Violation: "Превышение скорости",
			Date:      "01.06.2026",
			Amount:    "250 сомони",
		})
	}
	return result
}

func binding(id int64, tracked []string, initialized bool) model.VehicleBinding {
	return model.VehicleBinding{
		ID:                 id,
		UserID:             100,
		Plate:              "1234AB01",
		ExpiresAt:          time.Now().Add(time.Hour),
		TrackedOrders:      tracked,
		TrackedInitialized: initialized,
	}
}

func TestReconcileFirstPoll(t *testing.T) {
	repo := newFakeRepo()
	searcher := &fakeSearcher{result: model.SearchResult{Fines: fines("A", "B")}}
	ntf := &fakeNotifier{}
	m := NewMonitor(testConfig(), repo, searcher, ntf, zap.NewNop())

	err := m.reconcile(context.Background(), binding(1, nil, false))
	require.NoError(t, err)

	// первый проход: без уведомлений, базовый список зафиксирован
	require.Empty(t, ntf.sent)
	require.Equal(t, []string{"A", "B"}, repo.tracked[1])
	require.Empty(t, repo.saved)
}

func TestReconcileNewFine(t *testing.T) {
	repo := newFakeRepo()
	searcher := &fakeSearcher{result: model.SearchResult{Fines: fines("A", "B", "C")}}
	ntf := &fakeNotifier{}
	m := NewMonitor(testConfig(), repo, searcher, ntf, zap.NewNop())

	err := m.reconcile(context.Background(), binding(1, []string{"A", "B"}, true))
	require.NoError(t, err)

	require.Equal(t, []string{"C"}, ntf.sent)
	require.Equal(t, []string{"C"}, repo.notified)
	require.Len(t, repo.saved, 1)
	require.Equal(t, "C", repo.saved[0].Order)
	require.Equal(t, []string{"A", "B", "C"}, repo.tracked[1])
}

func TestReconcilePaidFineSilence(t *testing.T) {
	repo := newFakeRepo()
	searcher := &fakeSearcher{result: model.SearchResult{Fines: fines("A", "C")}}
	ntf := &fakeNotifier{}
	m := NewMonitor(testConfig(), repo, searcher, ntf, zap.NewNop())

	err := m.reconcile(context.Background(), binding(1, []string{"A", "B", "C"}, true))
	require.NoError(t, err)

	// оплаченный штраф пропадает молча
	require.Empty(t, ntf.sent)
	require.Equal(t, []string{"A", "C"}, repo.tracked[1])
}

func TestReconcileReappearance(t *testing.T) {
	repo := newFakeRepo()
	searcher := &fakeSearcher{result: model.SearchResult{Fines: fines("A", "B")}}
	ntf := &fakeNotifier{}
	m := NewMonitor(testConfig(), repo, searcher, ntf, zap.NewNop())

	// B был снят в одном из прошлых проходов и появился снова
	err := m.reconcile(context.Background(), binding(1, []string{"A"}, true))
	require.NoError(t, err)

	require.Equal(t, []string{"B"}, ntf.sent)
}

func TestReconcileDuplicateOrders(t *testing.T) {
	repo := newFakeRepo()
	searcher := &fakeSearcher{result: model.SearchResult{Fines: fines("A", "B", "B")}}
	ntf := &fakeNotifier{}
	m := NewMonitor(testConfig(), repo, searcher, ntf, zap.NewNop())

	err := m.reconcile(context.Background(), binding(1, []string{"A"}, true))
	require.NoError(t, err)

	require.Equal(t, []string{"B"}, ntf.sent)
}

func TestReconcileNotifyFailure(t *testing.T) {
	repo := newFakeRepo()
	searcher := &fakeSearcher{result: model.SearchResult{Fines: fines("A", "B", "C")}}
	ntf := &fakeNotifier{failOrders: map[string]bool{"C": true}}
	m := NewMonitor(testConfig(), repo, searcher, ntf, zap.NewNop())

	err := m.reconcile(context.Background(), binding(1, []string{"A", "B"}, true))
	require.NoError(t, err)

	// неотправленное уведомление не сохраняется и не отмечается,
	// но ордер всё равно попадает в новый базовый список:
	// повтора на следующем цикле не будет
	require.Empty(t, repo.saved)
	require.Empty(t, repo.notified)
	require.Equal(t, []string{"A", "B", "C"}, repo.tracked[1])
}

func TestReconcileSearchErrorKeepsState(t *testing.T) {
	repo := newFakeRepo()
	searcher := &fakeSearcher{err: errors.New("network down")}
	ntf := &fakeNotifier{}
	m := NewMonitor(testConfig(), repo, searcher, ntf, zap.NewNop())

	err := m.reconcile(context.Background(), binding(1, []string{"A"}, true))
	require.Error(t, err)

	// неудачный опрос не трогает базовый список
	require.Empty(t, repo.tracked)
	require.Empty(t, ntf.sent)
}

func TestMonitorStartStop(t *testing.T) {
	repo := newFakeRepo(binding(1, nil, false))
	searcher := &fakeSearcher{result: model.SearchResult{Fines: fines("A")}}
	ntf := &fakeNotifier{}
	m := NewMonitor(testConfig(), repo, searcher, ntf, zap.NewNop())

	m.Start()
	// повторный запуск игнорируется
	m.Start()

	require.Eventually(t, func() bool {
		return searcher.calls.Load() > 0
	}, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop in time")
	}

	// повторная остановка безопасна
	m.Stop()

	calls := searcher.calls.Load()
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, calls, searcher.calls.Load())
}

func TestMonitorCyclePurgesExpired(t *testing.T) {
	repo := newFakeRepo()
	searcher := &fakeSearcher{}
	ntf := &fakeNotifier{}
	m := NewMonitor(testConfig(), repo, searcher, ntf, zap.NewNop())

	stop := make(chan struct{})
	err := m.runCycle(context.Background(), stop)
	require.NoError(t, err)
	require.Equal(t, 1, repo.purged)
}
