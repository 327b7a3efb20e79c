package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 9, 0, 0, 0, time.UTC)
}

func TestWorkdayCalendar(t *testing.T) {
	w := NewWorkdayCalendar()

	tests := []struct {
		name    string
		country string
		day     time.Time
		want    bool
	}{
		{name: "US christmas", country: "US", day: date(2026, time.December, 25), want: false},
		{name: "US christmas eve", country: "US", day: date(2026, time.December, 24), want: true},
		{name: "lowercase code", country: "us", day: date(2026, time.December, 25), want: false},
		{name: "weekdays only saturday", country: CountryNone, day: date(2026, time.March, 7), want: false},
		{name: "weekdays only monday", country: CountryNone, day: date(2026, time.March, 2), want: true},
		{name: "unknown country", country: "XX", day: date(2026, time.March, 8), want: false},
		{name: "empty country", country: "", day: date(2026, time.March, 3), want: true},
		{name: "CN national day", country: CountryChina, day: date(2024, time.October, 1), want: false},
		{name: "CN make-up sunday", country: CountryChina, day: date(2024, time.September, 29), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, w.IsWorkday(tt.day, tt.country))
		})
	}
}

func TestWorkdayCalendarCountries(t *testing.T) {
	codes := NewWorkdayCalendar().Countries()
	assert.Contains(t, codes, "US")
	assert.Contains(t, codes, CountryChina)
	assert.Contains(t, codes, CountryNone)
	assert.IsIncreasing(t, codes)
}
