package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mirzoev/finebot/internal/scraper/config"
)

const loginPage = `<html><head><title>Авторизация</title></head><body>
<h4>Авторизация</h4>
<form action="modules/crud.php?act=auth" method="post"></form>
</body></html>`

const finesPage = `<html><body>
<div class="alert-primary">
Номер автомобиля: <u>1234AB01</u><br>
Модель автомобиля: <u>Opel Astra</u><br>
Кол-во штрафов: <u>2</u><br>
Общая сумма: <u>500 сомони</u>
</div>
<table class="table-light"><tbody>
<tr>
<td>1</td><td>ORD-1</td><td>1234AB01</td><td>01.06.2026</td><td>Превышение скорости</td><td>250 сомони</td>
<td><a href="/media/view.php?id=1">Фото 1</a></td><td></td><td></td><td><a href="https://video.mycar.tj/video/77">Видео</a></td><td>x</td>
</tr>
<tr>
<td>2</td><td>ORD-2</td><td>1234AB01</td><td>02.06.2026</td><td>Парковка</td><td>250 сомони</td>
<td></td><td></td><td></td><td></td><td>x</td>
</tr>
</tbody></table>
</body></html>`

func newTestScraper(t *testing.T, cfg config.Config) *rbdaScraper {
	t.Helper()
	if cfg.Login == "" {
		cfg.Login = "user"
		cfg.Password = "pass"
	}
	return NewScraper(cfg, zap.NewNop()).(*rbdaScraper)
}

func TestSessionExpired(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		body    string
		expired bool
	}{
		{"обычная страница", "https://rbda.dc.tj/pages/searchfines.php", finesPage, false},
		{"редирект на вход", "https://rbda.dc.tj/pages/login.php", "", true},
		{"редирект на auth", "https://rbda.dc.tj/modules/crud.php?act=AUTH", "", true},
		{"заголовок страницы входа", "https://rbda.dc.tj/pages/searchfines.php", loginPage, true},
		{"форма авторизации", "https://rbda.dc.tj/pages/searchfines.php",
			`<h4>Авторизация</h4><form action="modules/crud.php?act=auth">`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expired, sessionExpired(tt.url, tt.body))
		})
	}
}

func TestAuthenticate(t *testing.T) {
	var authCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/modules/crud.php", func(w http.ResponseWriter, r *http.Request) {
		authCalls.Add(1)
		if r.FormValue("login") == "user" && r.FormValue("password") == "pass" {
			http.Redirect(w, r, "/pages/dashboard.php", http.StatusFound)
			return
		}
		w.Write([]byte(loginPage))
	})
	mux.HandleFunc("/pages/dashboard.php", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("dashboard"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	s := newTestScraper(t, config.Config{BaseURL: server.URL})
	ctx := context.Background()

	require.True(t, s.Authenticate(ctx, false))
	require.Equal(t, int32(1), authCalls.Load())

	// повторный вызов без force не ходит на портал
	require.True(t, s.Authenticate(ctx, false))
	require.Equal(t, int32(1), authCalls.Load())

	// force всегда авторизуется заново
	require.True(t, s.Authenticate(ctx, true))
	require.Equal(t, int32(2), authCalls.Load())
}

func TestAuthenticateRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/modules/crud.php", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(loginPage))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	s := newTestScraper(t, config.Config{BaseURL: server.URL})
	require.False(t, s.Authenticate(context.Background(), false))
}

func TestSearchFinesReauthenticatesOnce(t *testing.T) {
	var authCalls, searchCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/modules/crud.php", func(w http.ResponseWriter, r *http.Request) {
		authCalls.Add(1)
		http.Redirect(w, r, "/pages/dashboard.php", http.StatusFound)
	})
	mux.HandleFunc("/pages/dashboard.php", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("dashboard"))
	})
	mux.HandleFunc("/pages/searchfines.php", func(w http.ResponseWriter, _ *http.Request) {
		// первый ответ - истёкшая сессия, после переавторизации - данные
		if searchCalls.Add(1) == 1 {
			w.Write([]byte(loginPage))
			return
		}
		w.Write([]byte(finesPage))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	s := newTestScraper(t, config.Config{BaseURL: server.URL})
	result, err := s.SearchFines(context.Background(), "1234ab01")
	require.NoError(t, err)

	// ровно одна переавторизация и один повтор запроса
	require.Equal(t, int32(2), authCalls.Load())
	require.Equal(t, int32(2), searchCalls.Load())
	require.Len(t, result.Fines, 2)
	require.Equal(t, "ORD-1", result.Fines[0].Order)
}

func TestSearchFinesSecondExpiryFails(t *testing.T) {
	var authCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/modules/crud.php", func(w http.ResponseWriter, r *http.Request) {
		authCalls.Add(1)
		http.Redirect(w, r, "/pages/dashboard.php", http.StatusFound)
	})
	mux.HandleFunc("/pages/dashboard.php", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("dashboard"))
	})
	mux.HandleFunc("/pages/searchfines.php", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(loginPage))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	s := newTestScraper(t, config.Config{BaseURL: server.URL})
	_, err := s.SearchFines(context.Background(), "1234AB01")
	require.ErrorIs(t, err, ErrSessionExpired)

	// после повторного истечения цикла переавторизаций нет
	require.Equal(t, int32(2), authCalls.Load())
}

func TestSearchFinesNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/modules/crud.php", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/pages/dashboard.php", http.StatusFound)
	})
	mux.HandleFunc("/pages/dashboard.php", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("dashboard"))
	})
	mux.HandleFunc("/pages/searchfines.php", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("<html><body>ничего</body></html>"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	s := newTestScraper(t, config.Config{BaseURL: server.URL})
	_, err := s.SearchFines(context.Background(), "0000XX00")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWaitRateLimit(t *testing.T) {
	s := newTestScraper(t, config.Config{
		BaseURL:           "https://rbda.dc.tj",
		RequestsPerMinute: 2,
		RateWindow:        200 * time.Millisecond,
	})
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, s.waitRateLimit(ctx))
	require.NoError(t, s.waitRateLimit(ctx))
	require.Less(t, time.Since(start), 100*time.Millisecond)

	// третий запрос задерживается до выхода первого из окна
	require.NoError(t, s.waitRateLimit(ctx))
	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestWaitRateLimitCancel(t *testing.T) {
	s := newTestScraper(t, config.Config{
		BaseURL:           "https://rbda.dc.tj",
		RequestsPerMinute: 1,
		RateWindow:        time.Minute,
	})

	require.NoError(t, s.waitRateLimit(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, s.waitRateLimit(ctx))
}
