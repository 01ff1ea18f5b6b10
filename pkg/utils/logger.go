package utils

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig - параметры логирования
type LogConfig struct {
	Level       string // debug, info, warn, error, fatal
	Format      string // json, text
	Output      string // stdout, stderr или путь к файлу
	Development bool
}

// Logger - обертка над zap.Logger с доменными хелперами
type Logger struct {
	*zap.Logger
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// InitLogger создает логгер по конфигурации
//
// Если файл вывода не удается открыть, используется stderr.
func InitLogger(cfg LogConfig) *Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeDuration = zapcore.MillisDurationEncoder

	var encoder zapcore.Encoder
	if strings.EqualFold(cfg.Format, "text") || strings.EqualFold(cfg.Format, "console") {
		if cfg.Development {
			encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		}
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, openOutput(cfg.Output), zap.NewAtomicLevelAt(parseLevel(cfg.Level)))

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	return &Logger{Logger: zap.New(core, opts...)}
}

func openOutput(output string) zapcore.WriteSyncer {
	switch strings.ToLower(output) {
	case "", "stdout":
		return zapcore.Lock(os.Stdout)
	case "stderr":
		return zapcore.Lock(os.Stderr)
	}

	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zapcore.Lock(os.Stderr)
	}
	return zapcore.AddSync(f)
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewNopLogger - логгер без вывода, для тестов
func NewNopLogger() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// GetGlobalLogger возвращает глобальный логгер, создавая логгер по умолчанию
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = InitLogger(LogConfig{Level: "info", Format: "json"})
	}
	return globalLogger
}

// L - короткий алиас GetGlobalLogger
func L() *Logger {
	return GetGlobalLogger()
}

// InitGlobalLogger создает логгер и делает его глобальным
func InitGlobalLogger(cfg LogConfig) *Logger {
	l := InitLogger(cfg)
	SetGlobalLogger(l)
	return l
}

// SetGlobalLogger заменяет глобальный логгер
func SetGlobalLogger(l *Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// With возвращает дочерний логгер с полями
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

// WithComponent - дочерний логгер для компонента
func (l *Logger) WithComponent(name string) *Logger {
	return l.With(Component(name))
}

// WithBroker - дочерний логгер для брокера
func (l *Logger) WithBroker(id int, name string) *Logger {
	return l.With(BrokerID(id), Broker(name))
}

// WithConnection - дочерний логгер для подключения
func (l *Logger) WithConnection(connectionID, userID int64) *Logger {
	return l.With(ConnectionID(connectionID), UserID(userID))
}

// Sync сбрасывает буферы, ошибки sync для stdout/stderr игнорируются
func (l *Logger) Sync() {
	_ = l.Logger.Sync()
}

// Глобальные функции логирования

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

// Field - поле структурированного лога
type Field = zap.Field

// Конструкторы доменных полей

func Broker(name string) zap.Field         { return zap.String("broker", name) }
func BrokerID(id int) zap.Field            { return zap.Int("broker_id", id) }
func ConnectionID(id int64) zap.Field      { return zap.Int64("connection_id", id) }
func UserID(id int64) zap.Field            { return zap.Int64("user_id", id) }
func Status(status string) zap.Field       { return zap.String("status", status) }
func Outcome(outcome string) zap.Field     { return zap.String("outcome", outcome) }
func RequestID(id string) zap.Field        { return zap.String("request_id", id) }
func Component(name string) zap.Field      { return zap.String("component", name) }
func Method(method string) zap.Field       { return zap.String("method", method) }
func Path(path string) zap.Field           { return zap.String("path", path) }
func StatusCode(code int) zap.Field        { return zap.Int("status_code", code) }
func Latency(d time.Duration) zap.Field    { return zap.Float64("latency_ms", float64(d.Microseconds())/1000) }
func Transition(from, to string) zap.Field { return zap.String("transition", from+"->"+to) }

// Переэкспорт базовых конструкторов zap

func String(key, val string) zap.Field      { return zap.String(key, val) }
func Int(key string, val int) zap.Field     { return zap.Int(key, val) }
func Int64(key string, val int64) zap.Field { return zap.Int64(key, val) }
func Bool(key string, val bool) zap.Field   { return zap.Bool(key, val) }
func Duration(key string, val time.Duration) zap.Field {
	return zap.Duration(key, val)
}
func Err(err error) zap.Field { return zap.Error(err) }
