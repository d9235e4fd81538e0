package httputil

import (
	"net/http"
	"time"
)

// NewClient creates an HTTP client with the given timeout and shared
// transport tuning. Both the payment provider client and the platform
// client go through this so connection reuse behaves the same everywhere.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
