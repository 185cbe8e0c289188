package gateway

import (
	"time"

	exchange "breakout-core/pkg/exchanges/common"
	"breakout-core/pkg/exchanges/delta"
	"breakout-core/pkg/exchanges/paper"
)

// DeltaFactory returns a factory building Delta Exchange clients.
func DeltaFactory(timeout time.Duration, rateLimit float64) Factory {
	return func(creds Credentials) (exchange.Gateway, error) {
		return delta.NewClient(delta.Config{
			BaseURL:   creds.BaseURL,
			APIKey:    creds.APIKey,
			APISecret: creds.APISecret,
			Timeout:   timeout,
			RateLimit: rateLimit,
		}), nil
	}
}

// PaperFactory hands out one shared simulated venue for every credential
// set, so all dry-run strategies see the same book.
func PaperFactory(gw *paper.Gateway) Factory {
	return func(Credentials) (exchange.Gateway, error) {
		return gw, nil
	}
}
