package scraper

import (
	"context"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/mirzoev/finebot/internal/logger"
	"github.com/mirzoev/finebot/internal/model"
	"github.com/mirzoev/finebot/internal/scraper/config"
)

type Scraper interface {
	Authenticate(ctx context.Context, force bool) bool
	SearchFines(ctx context.Context, plate string) (model.SearchResult, error)
	ResolveDirectLink(ctx context.Context, viewerURL string) string
	DownloadAll(ctx context.Context, urls []string, optimized bool) [][]byte
}

var (
	ErrAuthFailed     = errors.New("authentication failed")
	ErrSessionExpired = errors.New("session expired")
	ErrNotFound       = errors.New("records not found")
)

const (
	authPath   = "/modules/crud.php?act=auth"
	searchPath = "/pages/searchfines.php"

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

	defaultRateLimit  = 50
	defaultRateWindow = time.Minute
)

type rbdaScraper struct {
	cfg    config.Config
	zaplog *zap.Logger

	// клиент для API-запросов к порталу (поиск, авторизация, resolve)
	http *resty.Client
	// отдельный клиент для скачивания медиа: без retry на уровне транспорта,
	// с увеличенным таймаутом. Cookie jar общий
	media *resty.Client

	// состояние сессии
	authMu        sync.Mutex
	authenticated bool

	// скользящее окно для ограничения частоты API-запросов.
	// На скачивание медиа не распространяется
	rlMu     sync.Mutex
	rlTimes  []time.Time
	rlLimit  int
	rlWindow time.Duration
}

func NewScraper(cfg config.Config, zaplog *zap.Logger) Scraper {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = defaultRateWindow
	}

	jar, _ := cookiejar.New(nil)

	httpClient := resty.New().
		SetCookieJar(jar).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(8 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			switch r.StatusCode() {
			case http.StatusTooManyRequests,
				http.StatusInternalServerError,
				http.StatusBadGateway,
				http.StatusServiceUnavailable,
				http.StatusGatewayTimeout:
				return true
			}
			return false
		}).
		SetHeader("User-Agent", userAgent).
		SetHeader("Origin", cfg.BaseURL).
		SetHeader("Referer", cfg.BaseURL+searchPath).
		OnAfterResponse(logger.RequestLogHook(zaplog)).
		OnError(logger.RequestErrorHook(zaplog))

	mediaClient := resty.New().
		SetCookieJar(jar).
		SetTimeout(60 * time.Second).
		SetHeader("User-Agent", userAgent)

	return &rbdaScraper{
		cfg:      cfg,
		zaplog:   zaplog,
		http:     httpClient,
		media:    mediaClient,
		rlLimit:  cfg.RequestsPerMinute,
		rlWindow: cfg.RateWindow,
	}
}

// Авторизация на портале. Возвращает false при сетевой ошибке
// или отказе портала, никогда не паникует.
// force = true всегда выполняет вход заново (после истечения сессии)
func (s *rbdaScraper) Authenticate(ctx context.Context, force bool) bool {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	if s.authenticated && !force {
		return true
	}

	resp, err := s.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"login":    s.cfg.Login,
			"password": s.cfg.Password,
		}).
		Post(s.cfg.BaseURL + authPath)
	if err != nil {
		s.zaplog.Error("portal authentication failed", zap.Error(err))
		s.authenticated = false
		return false
	}

	// успешный вход заканчивается редиректом на dashboard
	if resp.StatusCode() == http.StatusOK && strings.Contains(finalURL(resp), "dashboard.php") {
		s.zaplog.Info("portal authentication ok")
		s.authenticated = true
		return true
	}

	s.zaplog.Error("portal authentication rejected",
		zap.Int("code", resp.StatusCode()),
		zap.String("url", finalURL(resp)))
	s.authenticated = false
	return false
}

// Классификация ответа "сессия истекла": редирект на страницу входа
// или маркеры формы авторизации в теле. Чистая функция от содержимого ответа
func sessionExpired(respURL string, body string) bool {
	if strings.Contains(respURL, "login.php") || strings.Contains(strings.ToLower(respURL), "auth") {
		return true
	}
	if strings.Contains(body, "<title>Авторизация</title>") {
		return true
	}
	if strings.Contains(body, "modules/crud.php?act=auth") &&
		strings.Contains(body, "<h4") &&
		strings.Contains(body, "Авторизация") {
		return true
	}
	return false
}

// URL, на котором фактически закончился запрос (после редиректов)
func finalURL(resp *resty.Response) string {
	if resp.RawResponse != nil && resp.RawResponse.Request != nil && resp.RawResponse.Request.URL != nil {
		return resp.RawResponse.Request.URL.String()
	}
	return resp.Request.URL
}

// Ожидание свободного слота в окне частоты запросов.
// Запрос никогда не отбрасывается, только задерживается
func (s *rbdaScraper) waitRateLimit(ctx context.Context) error {
	for {
		s.rlMu.Lock()
		now := time.Now()

		// выкидываем метки старше окна
		kept := s.rlTimes[:0]
		for _, t := range s.rlTimes {
			if now.Sub(t) < s.rlWindow {
				kept = append(kept, t)
			}
		}
		s.rlTimes = kept

		if len(s.rlTimes) < s.rlLimit {
			s.rlTimes = append(s.rlTimes, now)
			s.rlMu.Unlock()
			return nil
		}

		wait := s.rlWindow - now.Sub(s.rlTimes[0])
		s.rlMu.Unlock()

		if wait <= 0 {
			continue
		}
		s.zaplog.Debug("rate limit reached", zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Абсолютный URL относительно базового адреса портала
func (s *rbdaScraper) absURL(href string) string {
	base, err := url.Parse(s.cfg.BaseURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
