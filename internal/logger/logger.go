// Package logger предоставляет логирование с префиксом сервиса и неблокирующей записью
// (zerolog поверх diode-буфера), чтобы не тормозить обработку событий. Поддерживается
// логирование времени выполнения функций.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

const (
	asyncBufferSize = 8192
	slowCall        = 100 * time.Millisecond
)

var (
	mu     sync.RWMutex
	prefix string
	base   zerolog.Logger
	once   sync.Once
)

func initLogger() {
	// Буфер полон — запись теряется, вызывающий не блокируется.
	w := diode.NewWriter(os.Stderr, asyncBufferSize, 10*time.Millisecond, func(missed int) {
		fmt.Fprintf(os.Stderr, "logger: dropped %d messages\n", missed)
	})
	base = zerolog.New(w).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(parseLevel(os.Getenv("LOG_LEVEL")))
}

func get() zerolog.Logger {
	once.Do(initLogger)
	mu.RLock()
	defer mu.RUnlock()
	if prefix == "" {
		return base
	}
	return base.With().Str("svc", prefix).Logger()
}

func parseLevel(s string) zerolog.Level {
	switch s {
	case "debug", "trace":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetPrefix задаёт имя сервиса для всех последующих логов (например "api").
func SetPrefix(p string) {
	once.Do(initLogger)
	mu.Lock()
	prefix = p
	mu.Unlock()
}

// SetLevel переопределяет уровень, заданный через LOG_LEVEL (значение из конфига).
func SetLevel(level string) {
	once.Do(initLogger)
	zerolog.SetGlobalLevel(parseLevel(level))
}

// SetOutput направляет логи синхронно в w (используется в тестах).
func SetOutput(w io.Writer) {
	once.Do(initLogger)
	mu.Lock()
	base = zerolog.New(w).With().Timestamp().Logger()
	mu.Unlock()
}

// Logger возвращает zerolog.Logger с префиксом сервиса для структурированных полей.
func Logger() zerolog.Logger {
	return get()
}

func Info(v ...any) {
	l := get()
	l.Info().Msg(fmt.Sprint(v...))
}

func Infof(format string, v ...any) {
	l := get()
	l.Info().Msgf(format, v...)
}

func Debugf(format string, v ...any) {
	l := get()
	l.Debug().Msgf(format, v...)
}

func Warnf(format string, v ...any) {
	l := get()
	l.Warn().Msgf(format, v...)
}

func Error(v ...any) {
	l := get()
	l.Error().Msg(fmt.Sprint(v...))
}

func Errorf(format string, v ...any) {
	l := get()
	l.Error().Msgf(format, v...)
}

// LogDuration логирует имя функции и время выполнения.
// На уровне info пишет только вызовы дольше 100ms; на debug — все.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	l := get()
	if elapsed >= slowCall {
		l.Info().Str("fn", fn).Int64("duration_ms", elapsed.Milliseconds()).Msg("slow call")
		return
	}
	l.Debug().Str("fn", fn).Int64("duration_ms", elapsed.Milliseconds()).Msg("call")
}

// DeferLogDuration возвращает функцию для defer: defer logger.DeferLogDuration("room.Create", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
