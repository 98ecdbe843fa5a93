package web_search

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mohammad-safakhou/rebuttal/tools/web_search/brave"
	"github.com/mohammad-safakhou/rebuttal/tools/web_search/models"
	"github.com/mohammad-safakhou/rebuttal/tools/web_search/serper"
)

type WebSearcher interface {
	Discover(ctx context.Context, q string, k int) ([]models.Result, error)
}

type Provider string

const (
	SerperProvider Provider = "serper"
	BraveProvider  Provider = "brave"
)

type Error struct{ msg string }

func (e *Error) Error() string { return e.msg }

var ErrUnsupportedProvider = &Error{"unsupported provider"}

// Options configures the shared HTTP client.
type Options struct {
	Timeout time.Duration
	Retries int
	BaseURL string // overrides the provider endpoint, used by tests
}

func NewWebSearcher(provider Provider, apiKey string, opts Options) (WebSearcher, error) {
	client := resty.New().
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.Retries).
		SetHeader("Accept", "application/json")
	switch provider {
	case SerperProvider:
		return serper.New(client, apiKey, opts.BaseURL), nil
	case BraveProvider:
		return brave.New(client, apiKey, opts.BaseURL), nil
	default:
		return nil, ErrUnsupportedProvider
	}
}
