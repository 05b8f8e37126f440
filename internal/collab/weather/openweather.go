// Package weather reads current conditions from OpenWeatherMap.
package weather

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"planbot/internal/collab"
	"planbot/internal/model"
	"planbot/pkg/logx"
)

const defaultBaseURL = "https://api.openweathermap.org/data/2.5"

type Config struct {
	APIKey  string
	BaseURL string
	Units   string // metric by default
	// ForecastSteps is the number of 3h forecast entries summarized; 0 disables.
	ForecastSteps int
	Timeout       time.Duration
}

type Client struct {
	cfg Config
	api collab.JSONClient
	log logx.Logger
	now func() time.Time
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Units == "" {
		cfg.Units = "metric"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg: cfg,
		api: collab.JSONClient{Service: "weather", BaseURL: cfg.BaseURL, HTTP: &http.Client{Timeout: timeout}},
		log: log.With(logx.String("comp", "weather")),
		now: time.Now,
	}
}

type currentResp struct {
	Name    string `json:"name"`
	Dt      int64  `json:"dt"`
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
	Main struct {
		Temp     float64 `json:"temp"`
		Humidity int     `json:"humidity"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
}

type forecastResp struct {
	List []struct {
		Dt   int64 `json:"dt"`
		Main struct {
			Temp float64 `json:"temp"`
		} `json:"main"`
		Weather []struct {
			Main string `json:"main"`
		} `json:"weather"`
	} `json:"list"`
}

func (c *Client) Current(ctx context.Context, location string) (*model.WeatherObservation, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, fmt.Errorf("weather: api key not set: %w", collab.ErrUnavailable)
	}
	q := url.Values{}
	q.Set("q", location)
	q.Set("appid", c.cfg.APIKey)
	q.Set("units", c.cfg.Units)

	var cur currentResp
	if err := c.api.Do(ctx, "current", http.MethodGet, "/weather", q, nil, &cur); err != nil {
		return nil, err
	}
	obs := &model.WeatherObservation{
		Location:   location,
		TempC:      cur.Main.Temp,
		Humidity:   cur.Main.Humidity,
		WindSpeed:  cur.Wind.Speed,
		ObservedAt: c.now(),
	}
	if cur.Dt > 0 {
		obs.ObservedAt = time.Unix(cur.Dt, 0)
	}
	if len(cur.Weather) > 0 {
		obs.Condition = cur.Weather[0].Main
		obs.Description = cur.Weather[0].Description
	}
	if c.cfg.ForecastSteps > 0 {
		f, err := c.forecast(ctx, q)
		if err != nil {
			c.log.Debug("forecast unavailable", logx.Err(err))
		}
		obs.Forecast = f
	}
	return obs, nil
}

func (c *Client) forecast(ctx context.Context, q url.Values) (string, error) {
	q.Set("cnt", fmt.Sprint(c.cfg.ForecastSteps))
	var fr forecastResp
	if err := c.api.Do(ctx, "forecast", http.MethodGet, "/forecast", q, nil, &fr); err != nil {
		return "", err
	}
	parts := make([]string, 0, len(fr.List))
	for _, e := range fr.List {
		cond := ""
		if len(e.Weather) > 0 {
			cond = e.Weather[0].Main
		}
		parts = append(parts, fmt.Sprintf("%s %s %.0f°", time.Unix(e.Dt, 0).Format("15:04"), cond, e.Main.Temp))
	}
	return strings.Join(parts, ", "), nil
}
