package scraper

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	videoHost         = "video.mycar.tj"
	videoDownloadBase = "https://video.mycar.tj/video/download/video/"

	// размер блока чтения: большой для параллельного режима,
	// маленький для последовательного
	turboChunkSize  = 256 * 1024
	normalChunkSize = 64 * 1024

	maxDownloadAttempts  = 3
	downloadBackoffStart = 300 * time.Millisecond
)

var reBodyImg = regexp.MustCompile(`(?s)<body[^>]*>\s*<img[^>]+src="([^"]+)"`)

// Преобразование "смотровой" ссылки в прямую ссылку на файл.
// Пустая строка - ссылку получить не удалось.
// Это API-вызов к порталу: попадает под ограничение частоты
// и допускает одну переавторизацию при истечении сессии
func (s *rbdaScraper) ResolveDirectLink(ctx context.Context, viewerURL string) string {
	viewerURL = s.absURL(viewerURL)

	// у видеохостинга прямая ссылка строится из id, без запроса
	if strings.Contains(viewerURL, videoHost+"/") {
		parts := strings.Split(strings.Trim(viewerURL, "/"), "/")
		return videoDownloadBase + parts[len(parts)-1]
	}

	if err := s.waitRateLimit(ctx); err != nil {
		return ""
	}

	direct, expired := s.fetchViewer(ctx, viewerURL)
	if expired {
		s.zaplog.Info("session expired on media viewer, re-authenticating")
		if !s.Authenticate(ctx, true) {
			return ""
		}
		direct, expired = s.fetchViewer(ctx, viewerURL)
		if expired {
			s.zaplog.Error("session still expired after re-authentication")
			return ""
		}
	}
	return direct
}

// Один запрос к смотровой странице. Возвращает прямую ссылку
// либо признак истёкшей сессии
func (s *rbdaScraper) fetchViewer(ctx context.Context, viewerURL string) (direct string, expired bool) {
	resp, err := s.http.R().SetContext(ctx).Get(viewerURL)
	if err != nil {
		s.zaplog.Warn("media viewer request failed", zap.String("url", viewerURL), zap.Error(err))
		return "", false
	}

	// если ответ сразу является файлом, прямая ссылка - конечный URL
	ct := strings.ToLower(resp.Header().Get("Content-Type"))
	if strings.Contains(ct, "image/") || strings.HasPrefix(ct, "application/octet-stream") {
		return finalURL(resp), false
	}

	body := string(resp.Body())
	if sessionExpired(finalURL(resp), body) {
		return "", true
	}

	if m := reBodyImg.FindStringSubmatch(body); m != nil {
		return s.absURL(m[1]), false
	}

	// страница без <img>: пробуем саму смотровую ссылку
	return viewerURL, false
}

// Скачивание набора файлов. Результат сохраняет порядок входа,
// неудачные загрузки - nil, слоты никогда не пропадают.
// optimized = true: все файлы параллельно, крупные блоки;
// иначе строго последовательно, блоки меньше.
// Ограничение частоты API-запросов на скачивание не распространяется
func (s *rbdaScraper) DownloadAll(ctx context.Context, urls []string, optimized bool) [][]byte {
	if len(urls) == 0 {
		return nil
	}

	start := time.Now()
	results := make([][]byte, len(urls))

	if optimized {
		var wg sync.WaitGroup
		for i, u := range urls {
			wg.Add(1)
			go func(i int, u string) {
				defer wg.Done()
				results[i] = s.downloadFile(ctx, u, turboChunkSize)
			}(i, u)
		}
		wg.Wait()
	} else {
		for i, u := range urls {
			results[i] = s.downloadFile(ctx, u, normalChunkSize)
		}
	}

	ok := 0
	for _, r := range results {
		if r != nil {
			ok++
		}
	}
	s.zaplog.Info("media download finished",
		zap.Int("ok", ok),
		zap.Int("total", len(urls)),
		zap.Bool("optimized", optimized),
		zap.Duration("elapsed", time.Since(start)))

	return results
}

// Скачивание одного файла с ограниченным числом попыток
// и удвоением паузы между ними
func (s *rbdaScraper) downloadFile(ctx context.Context, rawurl string, chunkSize int) []byte {
	if rawurl == "" {
		return nil
	}
	u := s.absURL(rawurl)
	backoff := downloadBackoffStart

	for attempt := 1; attempt <= maxDownloadAttempts; attempt++ {
		data, err := s.downloadOnce(ctx, u, chunkSize)
		if err == nil {
			return data
		}

		s.zaplog.Warn("media download attempt failed",
			zap.String("url", u),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == maxDownloadAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil
}

func (s *rbdaScraper) downloadOnce(ctx context.Context, u string, chunkSize int) ([]byte, error) {
	resp, err := s.media.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(u)
	if err != nil {
		return nil, err
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() >= http.StatusBadRequest {
		return nil, fmt.Errorf("download status: %d", resp.StatusCode())
	}

	var buf bytes.Buffer
	chunk := make([]byte, chunkSize)
	for {
		n, err := body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
