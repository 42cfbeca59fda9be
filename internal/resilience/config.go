package resilience

import (
	"time"

	"github.com/sells-group/pu-workbench/internal/config"
)

// FromConfig builds retry and breaker settings for service from the
// resilience section of the scoring config. Zero values keep the defaults.
func FromConfig(service string, c config.ResilienceConfig) (RetryConfig, CircuitBreakerConfig) {
	retry := DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		retry.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoffMs > 0 {
		retry.InitialBackoff = time.Duration(c.InitialBackoffMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		retry.MaxBackoff = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	retry.OnRetry = RetryLogger(service, "call")

	breaker := DefaultCircuitBreakerConfig()
	if c.FailureThreshold > 0 {
		breaker.FailureThreshold = c.FailureThreshold
	}
	if c.ResetTimeoutSecs > 0 {
		breaker.ResetTimeout = time.Duration(c.ResetTimeoutSecs) * time.Second
	}
	// Only transient failures say anything about the service's health.
	breaker.ShouldTrip = IsTransient
	breaker.OnStateChange = StateLogger(service)
	return retry, breaker
}
