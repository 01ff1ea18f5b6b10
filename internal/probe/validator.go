package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"brokerage/internal/models"
	"brokerage/pkg/utils"
)

const (
	userAgent = "brokerage-connections/1.0"

	// maxResponseBody - ответы брокера длиннее считаются некорректными
	maxResponseBody = 1 << 20

	DefaultTimeout         = 10 * time.Second
	DefaultMinTimeout      = 5 * time.Second
	DefaultMaxTimeout      = 15 * time.Second
	DefaultBreakerFailures = 5
	DefaultBreakerCooldown = 30 * time.Second
)

// errBrokerFailure отмечает для размыкателя неудачу на стороне брокера
var errBrokerFailure = errors.New("broker failure")

// Validator выполняет проверочные запросы к брокерам
//
// На каждого брокера заводится отдельный размыкатель: после серии подряд
// идущих сбоев запросы к нему не отправляются до истечения cooldown.
type Validator struct {
	client *http.Client
	logger *utils.Logger

	defaultTimeout time.Duration
	minTimeout     time.Duration
	maxTimeout     time.Duration

	breakerFailures uint32
	breakerCooldown time.Duration

	mu       sync.Mutex
	breakers map[int]*gobreaker.CircuitBreaker
}

// Option настраивает Validator
type Option func(*Validator)

// WithHTTPClient задает HTTP клиента (в тестах - клиент httptest сервера)
func WithHTTPClient(client *http.Client) Option {
	return func(v *Validator) {
		if client != nil {
			v.client = client
		}
	}
}

// WithLogger задает логгер
func WithLogger(logger *utils.Logger) Option {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithTimeouts задает таймаут по умолчанию и границы запрошенного таймаута
func WithTimeouts(def, lo, hi time.Duration) Option {
	return func(v *Validator) {
		if lo > 0 {
			v.minTimeout = lo
		}
		if hi > 0 {
			v.maxTimeout = hi
		}
		if def > 0 {
			v.defaultTimeout = def
		}
	}
}

// WithBreaker задает порог размыкания и время до пробного запроса
func WithBreaker(failures int, cooldown time.Duration) Option {
	return func(v *Validator) {
		if failures > 0 {
			v.breakerFailures = uint32(failures)
		}
		if cooldown > 0 {
			v.breakerCooldown = cooldown
		}
	}
}

// NewValidator создает Validator
func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		defaultTimeout:  DefaultTimeout,
		minTimeout:      DefaultMinTimeout,
		maxTimeout:      DefaultMaxTimeout,
		breakerFailures: DefaultBreakerFailures,
		breakerCooldown: DefaultBreakerCooldown,
		breakers:        make(map[int]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.client == nil {
		v.client = NewHTTPClient(DefaultHTTPClientConfig())
	}
	if v.logger == nil {
		v.logger = utils.L()
	}
	v.logger = v.logger.WithComponent("probe")
	if v.minTimeout > v.maxTimeout {
		v.minTimeout = v.maxTimeout
	}
	return v
}

// ClampTimeout приводит запрошенный таймаут к допустимым границам, 0 - таймаут по умолчанию
func (v *Validator) ClampTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		timeout = v.defaultTimeout
	}
	if timeout < v.minTimeout {
		return v.minTimeout
	}
	if timeout > v.maxTimeout {
		return v.maxTimeout
	}
	return timeout
}

// Validate проверяет учетные данные одним запросом к брокеру
//
// Ошибки не возвращаются: любой исход выражается через Result.
func (v *Validator) Validate(ctx context.Context, broker *models.Broker, creds models.Credentials, timeout time.Duration) Result {
	d := dialectFor(broker.Kind)
	creds = creds.Normalize()

	result := v.execute(ctx, broker, timeout,
		func(ctx context.Context) (*http.Request, error) {
			return d.newRequest(ctx, broker, creds)
		},
		func(statusCode int, body []byte) Result {
			var payload map[string]interface{}
			if err := json.Unmarshal(body, &payload); err != nil {
				return failure(KindError, statusCode, "broker returned a malformed response")
			}
			accountID, ok := d.accountID(payload)
			if !ok {
				return failure(KindError, statusCode, "broker response does not contain an account identifier")
			}
			return success(statusCode, accountID)
		},
		classifyProbeStatus,
	)

	ProbeTotal.WithLabelValues(broker.Name, result.Outcome()).Inc()
	return result
}

// execute выполняет запрос через размыкатель брокера и классифицирует ответ
func (v *Validator) execute(
	ctx context.Context,
	broker *models.Broker,
	timeout time.Duration,
	build func(ctx context.Context) (*http.Request, error),
	onSuccess func(statusCode int, body []byte) Result,
	classify func(statusCode int) Result,
) Result {
	timeout = v.ClampTimeout(timeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := v.logger.WithBroker(broker.ID, broker.Name)

	// 1. Запрос строится до размыкателя: нехватка данных не сбой брокера
	req, err := build(ctx)
	if err != nil {
		if errors.Is(err, errMissingCredentials) {
			return failure(KindInvalidCredentials, 0, err.Error())
		}
		logger.Error("Failed to build probe request", utils.Err(err))
		return failure(KindError, 0, "broker endpoint is misconfigured")
	}

	// 2. Запрос через размыкатель
	start := time.Now()
	out, err := v.breaker(broker).Execute(func() (interface{}, error) {
		r := v.roundTrip(req, timeout, onSuccess, classify)
		if r.countsAsFailure() {
			return r, errBrokerFailure
		}
		return r, nil
	})
	elapsed := time.Since(start)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		logger.Warn("Circuit open, probe skipped")
		return failure(KindBrokerUnavailable, 0, "broker is temporarily unavailable after repeated failures")
	}

	result, _ := out.(Result)
	ProbeDuration.WithLabelValues(broker.Name).Observe(elapsed.Seconds())

	// 3. Лог без учетных данных
	fields := []utils.Field{
		utils.Outcome(result.Outcome()),
		utils.StatusCode(result.StatusCode),
		utils.Latency(elapsed),
	}
	if result.OK {
		logger.Info("Probe succeeded", fields...)
	} else {
		logger.Warn("Probe failed", append(fields, utils.String("reason", result.Message))...)
	}
	return result
}

// roundTrip отправляет запрос и разбирает ответ
func (v *Validator) roundTrip(
	req *http.Request,
	timeout time.Duration,
	onSuccess func(statusCode int, body []byte) Result,
	classify func(statusCode int) Result,
) Result {
	resp, err := v.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(req.Context().Err(), context.DeadlineExceeded) {
			return failure(KindBrokerUnavailable, 0, fmt.Sprintf("broker did not respond within %s", timeout))
		}
		return failure(KindBrokerUnavailable, 0, "broker is unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		if req.Context().Err() != nil {
			return failure(KindBrokerUnavailable, resp.StatusCode, fmt.Sprintf("broker did not respond within %s", timeout))
		}
		return failure(KindBrokerUnavailable, resp.StatusCode, "connection to broker was interrupted")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classify(resp.StatusCode)
	}
	if len(body) > maxResponseBody {
		return failure(KindError, resp.StatusCode, "broker response is too large")
	}
	return onSuccess(resp.StatusCode, body)
}

// classifyProbeStatus отображает неуспешный HTTP код проверки в результат
func classifyProbeStatus(statusCode int) Result {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return failure(KindInvalidCredentials, statusCode, "broker rejected the credentials")
	case statusCode == http.StatusTooManyRequests:
		return failure(KindBrokerUnavailable, statusCode, "broker is rate limiting requests")
	case statusCode >= 500:
		return failure(KindError, statusCode, fmt.Sprintf("broker returned server error %d", statusCode))
	default:
		return failure(KindError, statusCode, fmt.Sprintf("broker returned unexpected status %d", statusCode))
	}
}

// breaker возвращает размыкатель брокера, создавая его при первом обращении
func (v *Validator) breaker(broker *models.Broker) *gobreaker.CircuitBreaker {
	v.mu.Lock()
	defer v.mu.Unlock()

	if cb, ok := v.breakers[broker.ID]; ok {
		return cb
	}

	threshold := v.breakerFailures
	name := broker.Name
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     v.breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			BreakerStateGauge.WithLabelValues(name).Set(float64(to))
			v.logger.Warn("Circuit breaker state changed",
				utils.Broker(name),
				utils.Transition(from.String(), to.String()),
			)
		},
	})
	v.breakers[broker.ID] = cb
	BreakerStateGauge.WithLabelValues(name).Set(float64(gobreaker.StateClosed))
	return cb
}

// BreakerState возвращает состояние размыкателя брокера ("closed", если проверок не было)
func (v *Validator) BreakerState(brokerID int) string {
	v.mu.Lock()
	cb, ok := v.breakers[brokerID]
	v.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

// Close закрывает idle соединения HTTP клиента
func (v *Validator) Close() {
	closeIdle(v.client)
}
