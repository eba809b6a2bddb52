package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/kjstillabower/api-aggregator-service/internal/models"
)

// MaxNewsRecords caps both the upstream page size and the mapped list.
const MaxNewsRecords = 4

// NewsClient searches NewsAPI for the most popular articles mentioning a
// location since yesterday. Unlike weather and geo it does not fail open.
type NewsClient struct {
	apiKey string
	apiURL string
	now    func() time.Time
	t      *transport
}

func NewNewsClient(apiKey, apiURL string, opts Options) *NewsClient {
	return &NewsClient{apiKey: apiKey, apiURL: apiURL, now: time.Now, t: newTransport(models.SourceNews, opts)}
}

// WithClock sets the clock used for the query window and LastUpdated stamps.
func (c *NewsClient) WithClock(now func() time.Time) *NewsClient {
	if now != nil {
		c.now = now
	}
	return c
}

type newsAPIResponse struct {
	Status   string `json:"status"`
	Articles []struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	} `json:"articles"`
}

func (c *NewsClient) Kind() models.SourceKind { return models.SourceNews }

func (c *NewsClient) Configured() bool { return c.apiKey != "" }

func (c *NewsClient) Fetch(ctx context.Context, location string) (models.Record, error) {
	if !c.Configured() {
		return models.Record{}, fmt.Errorf("news: %w: NEWS_API_KEY is not set", ErrConfigurationMissing)
	}

	now := c.now()
	params := url.Values{}
	params.Set("q", location)
	params.Set("from", now.UTC().AddDate(0, 0, -1).Format("2006-01-02"))
	params.Set("sortBy", "popularity")
	params.Set("pageSize", strconv.Itoa(MaxNewsRecords))
	params.Set("apiKey", c.apiKey)

	var resp newsAPIResponse
	if err := c.t.getJSON(ctx, c.apiURL, params, &resp); err != nil {
		return models.Record{}, err
	}

	n := len(resp.Articles)
	if n > MaxNewsRecords {
		n = MaxNewsRecords
	}
	out := make([]models.NewsRecord, 0, n)
	for _, a := range resp.Articles[:n] {
		out = append(out, models.NewsRecord{Title: a.Title, URL: a.URL, LastUpdated: now})
	}
	return models.NewsResult(out), nil
}
