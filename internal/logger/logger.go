package logger

import (
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/mirzoev/finebot/internal/logger/config"
)

func NewZapLog(cfg config.Config) (*zap.Logger, error) {
	// преобразуем текстовый уровень логирования в zap.AtomicLevel
	lvl, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	// создаём новую конфигурацию логера
	zapcfg := zap.NewProductionConfig()
	// устанавливаем уровень
	zapcfg.Level = lvl
	// создаём логер на основе конфигурации
	zl, err := zapcfg.Build()
	if err != nil {
		return nil, err
	}
	//
	return zl, nil
}

// Хук для логирования исходящих запросов к порталу.
// Подключается через resty client.OnAfterResponse
func RequestLogHook(zaplog *zap.Logger) resty.ResponseMiddleware {
	return func(c *resty.Client, resp *resty.Response) error {
		zaplog.Info("portal HTTP request",
			zap.String("method", resp.Request.Method),
			zap.String("url", resp.Request.URL),
			zap.Int("code", resp.StatusCode()),
			zap.Duration("duration", resp.Time()),
		)
		return nil
	}
}

// Хук для логирования сетевых ошибок исходящих запросов
func RequestErrorHook(zaplog *zap.Logger) resty.ErrorHook {
	return func(req *resty.Request, err error) {
		zaplog.Warn("portal HTTP request failed",
			zap.String("method", req.Method),
			zap.String("url", req.URL),
			zap.Error(err),
		)
	}
}
