package client

import (
	"context"
	"net/url"

	"github.com/kjstillabower/api-aggregator-service/internal/models"
)

// GeoClient resolves the geolocation of the calling process's public IP via
// ipgeolocation.io. The location argument is not sent upstream; it only keys the cache.
type GeoClient struct {
	apiKey string
	apiURL string
	t      *transport
}

func NewGeoClient(apiKey, apiURL string, opts Options) *GeoClient {
	return &GeoClient{apiKey: apiKey, apiURL: apiURL, t: newTransport(models.SourceGeo, opts)}
}

type ipGeolocationResponse struct {
	IP   string `json:"ip"`
	City string `json:"city"`
}

func (c *GeoClient) Kind() models.SourceKind { return models.SourceGeo }

func (c *GeoClient) Configured() bool { return c.apiKey != "" }

func (c *GeoClient) Fetch(ctx context.Context, _ string) (models.Record, error) {
	if !c.Configured() {
		return models.ZeroRecord(models.SourceGeo), nil
	}

	params := url.Values{}
	params.Set("apiKey", c.apiKey)

	var resp ipGeolocationResponse
	if err := c.t.getJSON(ctx, c.apiURL, params, &resp); err != nil {
		return models.Record{}, err
	}
	return models.GeoResult(models.GeoRecord{IPAddress: resp.IP, City: resp.City}), nil
}
