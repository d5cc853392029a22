package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var ErrTooLarge = errors.New("response exceeds max size")

type GetOptions struct {
	MaxSize    int
	Timeout    time.Duration
	MaxRetries uint64
	Headers    map[string]string
}

// A downloaded resource. Body is nil for HEAD requests.
type Response struct {
	Body         []byte
	ETag         string
	LastModified string
	RetrievedAt  time.Time
}

// A thing capable of downloading a file and reporting its freshness
// headers.
type Downloader interface {
	Head(ctx context.Context, url string, options GetOptions) (*Response, error)
	Get(ctx context.Context, url string, options GetOptions) (*Response, error)
}

type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d", e.Code)
}

// Retrying only helps for server side trouble and rate limiting.
func (e *StatusError) temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Issues a single request. Doesn't retry. Provided as convenience
// for implementing custom Downloaders.
func HTTPDo(ctx context.Context, method string, url string, options GetOptions) (*Response, error) {
	client := &http.Client{
		Timeout: options.Timeout,
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for k, v := range options.Headers {
		req.Header.Add(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	r := &Response{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		RetrievedAt:  time.Now().UTC(),
	}
	if method == http.MethodHead {
		return r, nil
	}

	var reader io.Reader = resp.Body
	if options.MaxSize > 0 {
		reader = io.LimitReader(resp.Body, int64(options.MaxSize)+1)
	}

	r.Body, err = io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if options.MaxSize > 0 && len(r.Body) > options.MaxSize {
		return nil, ErrTooLarge
	}

	return r, nil
}

// Downloads over HTTP, retrying failed requests with exponential
// backoff.
type HTTP struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// Called before each retry.
	OnRetry func(err error, wait time.Duration)
}

func NewHTTP() *HTTP {
	return &HTTP{
		InitialInterval: 2 * time.Second,
		MaxInterval:     time.Minute,
		OnRetry:         func(error, time.Duration) {},
	}
}

func (d *HTTP) Head(ctx context.Context, url string, options GetOptions) (*Response, error) {
	return d.retry(ctx, options, func() (*Response, error) {
		return HTTPDo(ctx, http.MethodHead, url, options)
	})
}

func (d *HTTP) Get(ctx context.Context, url string, options GetOptions) (*Response, error) {
	return d.retry(ctx, options, func() (*Response, error) {
		return HTTPDo(ctx, http.MethodGet, url, options)
	})
}

func (d *HTTP) retry(ctx context.Context, options GetOptions, op func() (*Response, error)) (*Response, error) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     d.InitialInterval,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         d.MaxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}

	onRetry := d.OnRetry
	if onRetry == nil {
		onRetry = func(error, time.Duration) {}
	}

	return backoff.RetryNotifyWithData(
		func() (*Response, error) {
			resp, err := op()
			if err == nil {
				return resp, nil
			}
			var statusErr *StatusError
			if errors.As(err, &statusErr) && !statusErr.temporary() {
				return nil, backoff.Permanent(err)
			}
			if errors.Is(err, ErrTooLarge) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		},
		backoff.WithContext(backoff.WithMaxRetries(b, options.MaxRetries), ctx),
		onRetry,
	)
}
