package brave

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-resty/resty/v2"

	"github.com/mohammad-safakhou/rebuttal/internal/helpers"
	"github.com/mohammad-safakhou/rebuttal/tools/web_search/models"
)

const defaultBaseURL = "https://api.search.brave.com"

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
	Web struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Snippet string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (s Search) Discover(ctx context.Context, q string, k int) ([]models.Result, error) {
	// https://api.search.brave.com/app/documentation/web-search
	var raw response
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("X-Subscription-Token", s.apiKey).
		SetQueryParams(map[string]string{"q": q, "count": strconv.Itoa(k)}).
		SetResult(&raw).
		Get("/res/v1/web/search")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("brave search: status %d", resp.StatusCode())
	}
	var out []models.Result
	for i, r := range raw.Web.Results {
		if i >= k {
			break
		}
		// Brave highlights matched terms with <strong>.
		out = append(out, models.Result{Title: helpers.PlainText(r.Title), URL: r.URL, Snippet: helpers.PlainText(r.Snippet)})
	}
	return out, nil
}
