package weather

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"planbot/internal/collab"
	"planbot/pkg/logx"
)

func TestCurrentParsesObservation(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("appid") != "k" || r.URL.Query().Get("units") != "metric" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/weather":
			_, _ = w.Write([]byte(`{"name":"New York","dt":1772442000,"weather":[{"main":"Rain","description":"light rain"}],"main":{"temp":12.5,"humidity":81},"wind":{"speed":4.2}}`))
		case "/forecast":
			_, _ = w.Write([]byte(`{"list":[{"dt":1772452800,"main":{"temp":13},"weather":[{"main":"Clouds"}]}]}`))
		}
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL, ForecastSteps: 1}, logx.Nop())
	obs, err := c.Current(context.Background(), "New York")
	if err != nil {
		t.Fatalf("Current error: %v", err)
	}
	if obs.Condition != "Rain" || obs.TempC != 12.5 || obs.Humidity != 81 || obs.WindSpeed != 4.2 {
		t.Fatalf("observation = %+v", obs)
	}
	if !strings.Contains(obs.Forecast, "Clouds") {
		t.Fatalf("Forecast = %q", obs.Forecast)
	}
}

func TestCurrentWithoutKeyUnavailable(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, logx.Nop()).Current(context.Background(), "New York")
	if !errors.Is(err, collab.ErrUnavailable) {
		t.Fatalf("Current err = %v, want ErrUnavailable", err)
	}
}
