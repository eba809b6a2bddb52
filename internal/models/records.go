package models

import "time"

// SourceKind identifies one of the upstream data sources.
type SourceKind string

const (
	SourceWeather SourceKind = "weather"
	SourceGeo     SourceKind = "geo"
	SourceNews    SourceKind = "news"
)

// Kinds lists every source in the order they appear in an AggregateResult.
var Kinds = []SourceKind{SourceWeather, SourceGeo, SourceNews}

type WeatherRecord struct {
	City        string  `json:"city"`
	Temperature float64 `json:"temperature"` // Celsius
	Description string  `json:"description"`
}

type GeoRecord struct {
	IPAddress string `json:"ip"`
	City      string `json:"city"`
}

// NewsRecord is one article. LastUpdated is stamped at ingestion and drives
// per-record cache freshness.
type NewsRecord struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// AggregateResult always carries all three fields; unresolved sources hold zero values.
type AggregateResult struct {
	Weather WeatherRecord `json:"weather"`
	Geo     GeoRecord     `json:"geo"`
	News    []NewsRecord  `json:"news"`
}

// Record is a tagged union over the per-source records. Only the field matching
// Kind is meaningful.
type Record struct {
	Kind    SourceKind    `json:"kind"`
	Weather WeatherRecord `json:"weather,omitempty"`
	Geo     GeoRecord     `json:"geo,omitempty"`
	News    []NewsRecord  `json:"news,omitempty"`
}

func WeatherResult(w WeatherRecord) Record { return Record{Kind: SourceWeather, Weather: w} }

func GeoResult(g GeoRecord) Record { return Record{Kind: SourceGeo, Geo: g} }

func NewsResult(n []NewsRecord) Record {
	if n == nil {
		n = []NewsRecord{}
	}
	return Record{Kind: SourceNews, News: n}
}

// ZeroRecord returns the empty record for kind.
func ZeroRecord(kind SourceKind) Record {
	switch kind {
	case SourceNews:
		return NewsResult(nil)
	default:
		return Record{Kind: kind}
	}
}

// NewAggregateResult returns a result with every field defaulted.
func NewAggregateResult() AggregateResult {
	return AggregateResult{News: []NewsRecord{}}
}

// Apply copies the field selected by r.Kind into the result.
func (a *AggregateResult) Apply(r Record) {
	switch r.Kind {
	case SourceWeather:
		a.Weather = r.Weather
	case SourceGeo:
		a.Geo = r.Geo
	case SourceNews:
		if r.News == nil {
			a.News = []NewsRecord{}
			return
		}
		a.News = r.News
	}
}
