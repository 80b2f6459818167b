package store

import (
	"math/rand"
	"strings"
	"time"
)

// retryConfig bounds retries of writes that hit transient SQLite contention.
type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var defaultRetryConfig = retryConfig{
	maxRetries: 3,
	baseDelay:  25 * time.Millisecond,
	maxDelay:   250 * time.Millisecond,
}

var transientMarkers = []string{
	"SQLITE_BUSY",
	"SQLITE_LOCKED",
	"IOERR_SHORT_READ",
	"database is locked",
	"database table is locked",
}

// isTransient reports whether err is lock contention that a retry can clear.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// retryOp runs fn, retrying transient failures with exponential backoff.
func retryOp(cfg retryConfig, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil || !isTransient(err) || attempt >= cfg.maxRetries {
			return err
		}
		time.Sleep(backoff(cfg, attempt))
	}
}

// backoff is baseDelay * 2^attempt capped at maxDelay, plus up to baseDelay of jitter.
func backoff(cfg retryConfig, attempt int) time.Duration {
	d := cfg.baseDelay << uint(attempt)
	if d > cfg.maxDelay {
		d = cfg.maxDelay
	}
	if cfg.baseDelay > 0 {
		d += time.Duration(rand.Int63n(int64(cfg.baseDelay)))
	}
	return d
}
