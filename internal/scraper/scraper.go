package scraper

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/mirzoev/finebot/internal/model"
)

// Поиск штрафов по номеру автомобиля (или VIN).
// При истечении сессии выполняется ровно одна переавторизация
// с повтором запроса; повторное истечение - ошибка ErrSessionExpired
func (s *rbdaScraper) SearchFines(ctx context.Context, plate string) (model.SearchResult, error) {
	if !s.Authenticate(ctx, false) {
		return model.SearchResult{}, ErrAuthFailed
	}

	resp, err := s.searchRequest(ctx, plate)
	if err != nil {
		return model.SearchResult{}, fmt.Errorf("fines search: %w", err)
	}

	if sessionExpired(finalURL(resp), string(resp.Body())) {
		s.zaplog.Info("session expired, re-authenticating", zap.String("plate", plate))
		if !s.Authenticate(ctx, true) {
			return model.SearchResult{}, ErrSessionExpired
		}
		resp, err = s.searchRequest(ctx, plate)
		if err != nil {
			return model.SearchResult{}, fmt.Errorf("fines search: %w", err)
		}
		if sessionExpired(finalURL(resp), string(resp.Body())) {
			return model.SearchResult{}, ErrSessionExpired
		}
	}

	result := s.parseSearchPage(string(resp.Body()))
	if len(result.Fines) == 0 && result.VehicleInfo == (model.VehicleInfo{}) {
		return model.SearchResult{}, ErrNotFound
	}

	s.zaplog.Info("fines search ok",
		zap.String("plate", plate),
		zap.Int("fines", len(result.Fines)))
	return result, nil
}

func (s *rbdaScraper) searchRequest(ctx context.Context, plate string) (*resty.Response, error) {
	if err := s.waitRateLimit(ctx); err != nil {
		return nil, err
	}
	return s.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"plate":     strings.ToUpper(plate),
			"srchfines": "",
		}).
		Post(s.cfg.BaseURL + searchPath)
}
