package model

import "time"

// Source names a collaborator that feeds a DataSnapshot.
type Source string

const (
	SourceCalendar Source = "calendar"
	SourceWeather  Source = "weather"
	SourceNotes    Source = "notes"
)

// AllSources lists every snapshot source in collection order.
var AllSources = []Source{SourceCalendar, SourceWeather, SourceNotes}

type WeatherObservation struct {
	Location    string    `json:"location"`
	TempC       float64   `json:"temperature_c"`
	Condition   string    `json:"condition"`
	Description string    `json:"description,omitempty"`
	Humidity    int       `json:"humidity"`
	WindSpeed   float64   `json:"wind_speed"`
	Forecast    string    `json:"forecast,omitempty"`
	ObservedAt  time.Time `json:"observed_at"`
}

// DataSnapshot is the immutable product of one Collect run. Consumers copy
// before modifying anything (see Clone).
type DataSnapshot struct {
	ID         string              `json:"id"`
	CapturedAt time.Time           `json:"captured_at"`
	Events     []TimeSlot          `json:"events"`
	Weather    *WeatherObservation `json:"weather,omitempty"`
	Tasks      []Task              `json:"tasks"`
	Missing    []Source            `json:"missing,omitempty"`
}

func (s DataSnapshot) Has(src Source) bool {
	for _, m := range s.Missing {
		if m == src {
			return false
		}
	}
	return true
}

func (s DataSnapshot) Degraded() bool { return len(s.Missing) > 0 }

func (s DataSnapshot) Clone() DataSnapshot {
	cp := s
	cp.Events = CloneSlots(s.Events)
	cp.Tasks = CloneTasks(s.Tasks)
	if s.Weather != nil {
		w := *s.Weather
		cp.Weather = &w
	}
	if s.Missing != nil {
		cp.Missing = append([]Source(nil), s.Missing...)
	}
	return cp
}
