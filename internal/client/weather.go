package client

import (
	"context"
	"math"
	"net/url"

	"github.com/kjstillabower/api-aggregator-service/internal/models"
)

// WeatherClient fetches current conditions from OpenWeatherMap. Without an API key
// it returns a zero WeatherRecord and never calls upstream.
type WeatherClient struct {
	apiKey string
	apiURL string
	t      *transport
}

func NewWeatherClient(apiKey, apiURL string, opts Options) *WeatherClient {
	return &WeatherClient{apiKey: apiKey, apiURL: apiURL, t: newTransport(models.SourceWeather, opts)}
}

type openWeatherResponse struct {
	Main struct {
		Temp float64 `json:"temp"`
	} `json:"main"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Name string `json:"name"`
}

func (c *WeatherClient) Kind() models.SourceKind { return models.SourceWeather }

func (c *WeatherClient) Configured() bool { return c.apiKey != "" }

// Fetch returns the weather for location. Temperatures arrive in Kelvin and are
// converted once here.
func (c *WeatherClient) Fetch(ctx context.Context, location string) (models.Record, error) {
	if !c.Configured() {
		return models.ZeroRecord(models.SourceWeather), nil
	}

	params := url.Values{}
	params.Set("q", location)
	params.Set("appid", c.apiKey)

	var resp openWeatherResponse
	if err := c.t.getJSON(ctx, c.apiURL, params, &resp); err != nil {
		return models.Record{}, err
	}
	return models.WeatherResult(mapWeather(resp)), nil
}

func mapWeather(resp openWeatherResponse) models.WeatherRecord {
	description := ""
	if len(resp.Weather) > 0 {
		description = resp.Weather[0].Description
	}
	return models.WeatherRecord{
		City:        resp.Name,
		Temperature: KelvinToCelsius(resp.Main.Temp),
		Description: description,
	}
}

// KelvinToCelsius converts and rounds to one decimal, halves away from zero.
func KelvinToCelsius(k float64) float64 {
	return math.Round(k*10-2731.5) / 10
}
