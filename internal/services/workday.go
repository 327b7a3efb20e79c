package services

import (
	"sort"
	"strings"
	"time"

	"github.com/6tail/lunar-go/HolidayUtil"
	"github.com/6tail/lunar-go/calendar"
	"github.com/rickar/cal/v2"
	"github.com/rickar/cal/v2/au"
	"github.com/rickar/cal/v2/ca"
	"github.com/rickar/cal/v2/de"
	"github.com/rickar/cal/v2/fr"
	"github.com/rickar/cal/v2/gb"
	"github.com/rickar/cal/v2/jp"
	"github.com/rickar/cal/v2/nl"
	"github.com/rickar/cal/v2/us"
)

const (
	// CountryChina uses the official adjusted working days.
	CountryChina = "CN"
	// CountryNone treats Monday to Friday as workdays.
	CountryNone = "NONE"
)

// WorkdayCalendar answers whether a date is a business day in a country.
// Tasks use it to skip runs on public holidays.
type WorkdayCalendar struct {
	calendars map[string]*cal.BusinessCalendar
}

func NewWorkdayCalendar() *WorkdayCalendar {
	holidays := map[string][]*cal.Holiday{
		"US": us.Holidays,
		"GB": gb.Holidays,
		"DE": de.Holidays,
		"FR": fr.Holidays,
		"JP": jp.Holidays,
		"AU": au.HolidaysNSW,
		"CA": ca.Holidays,
		"NL": nl.Holidays,
	}

	w := &WorkdayCalendar{calendars: make(map[string]*cal.BusinessCalendar, len(holidays))}
	for code, list := range holidays {
		c := cal.NewBusinessCalendar()
		c.Name = code
		c.AddHoliday(list...)
		w.calendars[code] = c
	}
	return w
}

// IsWorkday reports whether t is a business day. Unknown or empty country
// codes fall back to weekdays only.
func (w *WorkdayCalendar) IsWorkday(t time.Time, country string) bool {
	country = strings.ToUpper(strings.TrimSpace(country))
	if country == CountryChina {
		return isWorkdayChina(t)
	}
	if c, ok := w.calendars[country]; ok {
		return c.IsWorkday(t)
	}
	return !cal.IsWeekend(t)
}

// Countries lists the supported codes, CN and NONE included.
func (w *WorkdayCalendar) Countries() []string {
	codes := make([]string, 0, len(w.calendars)+2)
	for code := range w.calendars {
		codes = append(codes, code)
	}
	codes = append(codes, CountryChina, CountryNone)
	sort.Strings(codes)
	return codes
}

// isWorkdayChina honors the make-up working weekends published each year.
func isWorkdayChina(t time.Time) bool {
	solar := calendar.NewSolarFromDate(t)
	if holiday := HolidayUtil.GetHolidayByYmd(solar.GetYear(), solar.GetMonth(), solar.GetDay()); holiday != nil {
		return holiday.IsWork()
	}
	return !cal.IsWeekend(t)
}
