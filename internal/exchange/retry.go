package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"
)

// ErrorKind 传输错误分类
type ErrorKind int

const (
	KindPermanent ErrorKind = iota
	KindNetwork
	KindRateLimit
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindRateLimit:
		return "rate_limit"
	default:
		return "permanent"
	}
}

// StatusError 非 2xx 响应
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("http %d: %s", e.Code, body)
}

// Classify 把错误映射到重试类别
func Classify(err error) ErrorKind {
	if err == nil {
		return KindPermanent
	}
	if errors.Is(err, context.Canceled) {
		return KindPermanent
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == 429:
			return KindRateLimit
		case se.Code == 502 || se.Code == 503 || se.Code == 504:
			return KindNetwork
		default:
			return KindPermanent
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindNetwork
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return KindNetwork
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection reset", "connection refused", "broken pipe", "no such host", "i/o timeout", "tls handshake timeout"} {
		if strings.Contains(msg, s) {
			return KindNetwork
		}
	}
	return KindPermanent
}

// RetryPolicy 网络错误与限流错误各自独立计数
type RetryPolicy struct {
	NetworkRetries   int
	NetworkBase      time.Duration
	NetworkCap       time.Duration
	RateLimitRetries int
	RateLimitBase    time.Duration
	RateLimitCap     time.Duration
}

// DefaultRetryPolicy 网络：3 次 / 100ms 起 / 1s 封顶；限流：4 次 / 1s 起 / 10s 封顶
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		NetworkRetries:   3,
		NetworkBase:      100 * time.Millisecond,
		NetworkCap:       time.Second,
		RateLimitRetries: 4,
		RateLimitBase:    time.Second,
		RateLimitCap:     10 * time.Second,
	}
}

// Retry 执行 fn，按错误类别退避重试；永久错误立即返回。
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	var netAttempts, rlAttempts int
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		var wait time.Duration
		switch Classify(err) {
		case KindNetwork:
			if netAttempts >= p.NetworkRetries {
				return fmt.Errorf("network retries exhausted (%d): %w", netAttempts, err)
			}
			wait = Backoff(netAttempts, p.NetworkBase, p.NetworkCap)
			netAttempts++
		case KindRateLimit:
			if rlAttempts >= p.RateLimitRetries {
				return fmt.Errorf("rate limit retries exhausted (%d): %w", rlAttempts, err)
			}
			wait = Backoff(rlAttempts, p.RateLimitBase, p.RateLimitCap)
			var se *StatusError
			if errors.As(err, &se) && se.RetryAfter > wait {
				wait = min(se.RetryAfter, p.RateLimitCap)
			}
			rlAttempts++
		default:
			return err
		}

		log.WithError(err).Debugf("⏳ %v 后重试 (network=%d rate_limit=%d)", wait, netAttempts, rlAttempts)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}

// Backoff 指数退避 + 抖动，结果落在 [d/2, d]，d = min(base*2^attempt, cap)
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt && d < limit; i++ {
		d *= 2
	}
	if limit > 0 && d > limit {
		d = limit
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
