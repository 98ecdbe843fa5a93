package serper

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/mohammad-safakhou/rebuttal/tools/web_search/models"
)

const defaultBaseURL = "https://google.serper.dev"

type Search struct {
	client *resty.Client
	apiKey string
}

func New(client *resty.Client, apiKey, baseURL string) Search {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return Search{client: client.SetBaseURL(baseURL), apiKey: apiKey}
}

type response struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic"`
}

func (s Search) Discover(ctx context.Context, q string, k int) ([]models.Result, error) {
	// https://serper.dev/ docs
	var raw response
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("X-API-KEY", s.apiKey).
		SetBody(map[string]any{"q": q, "num": k}).
		SetResult(&raw).
		Post("/search")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("serper search: status %d", resp.StatusCode())
	}
	var out []models.Result
	for i, it := range raw.Organic {
		if i >= k {
			break
		}
		out = append(out, models.Result{Title: it.Title, URL: it.Link, Snippet: it.Snippet})
	}
	return out, nil
}
