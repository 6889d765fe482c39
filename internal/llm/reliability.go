package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ReliabilitySettings: параметры защиты вызовов к LLM.
type ReliabilitySettings struct {
	CBMaxRequests   uint32
	CBInterval      time.Duration
	CBTimeout       time.Duration
	Attempts        uint
	AttemptTimeout  time.Duration
	RatePerSecond   float64
	Burst           int
	OnBreakerChange func(name string, open bool) // для метрики bridge_circuit_breaker_state
}

func (s *ReliabilitySettings) applyDefaults() {
	if s.CBMaxRequests == 0 {
		s.CBMaxRequests = 3
	}
	if s.CBInterval <= 0 {
		s.CBInterval = 5 * time.Second
	}
	if s.CBTimeout <= 0 {
		s.CBTimeout = 30 * time.Second
	}
	if s.Attempts == 0 {
		s.Attempts = 3
	}
	if s.AttemptTimeout <= 0 {
		s.AttemptTimeout = 20 * time.Second
	}
	if s.RatePerSecond <= 0 {
		s.RatePerSecond = 10
	}
	if s.Burst <= 0 {
		s.Burst = 5
	}
}

// ReliabilityWrapper оборачивает Completer: rate limit -> circuit breaker -> retries.
type ReliabilityWrapper struct {
	next     Completer
	cb       *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	attempts uint
	timeout  time.Duration
}

func NewReliabilityWrapper(next Completer, s ReliabilitySettings) *ReliabilityWrapper {
	s.applyDefaults()

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm-completer",
		MaxRequests: s.CBMaxRequests,
		Interval:    s.CBInterval,
		Timeout:     s.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если более 5 ошибок подряд: открываемся
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if s.OnBreakerChange != nil {
				s.OnBreakerChange(name, to == gobreaker.StateOpen)
			}
		},
	})

	return &ReliabilityWrapper{
		next:     next,
		cb:       cb,
		limiter:  rate.NewLimiter(rate.Limit(s.RatePerSecond), s.Burst),
		attempts: s.Attempts,
		timeout:  s.AttemptTimeout,
	}
}

func (w *ReliabilityWrapper) Complete(ctx context.Context, messages []Message) (string, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit exceeded: %w", err)
	}

	// 2. Circuit Breaker
	cbResult, err := w.cb.Execute(func() (interface{}, error) {
		var text string
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.attempts),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Провайдер сам сказал, сколько ждать
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.timeout)
			defer cancel()

			var callErr error
			text, callErr = w.next.Complete(tCtx, messages)
			return callErr
		})
		return text, retryErr
	})
	if err != nil {
		return "", err
	}
	return cbResult.(string), nil
}
