package util

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"autotrade/internal/domain"
)

// CalendarSpec is the static description of one exchange's regular session.
type CalendarSpec struct {
	Timezone     string   `yaml:"timezone"`
	Open         string   `yaml:"open"`  // HH:MM local time
	Close        string   `yaml:"close"` // HH:MM local time
	Holidays     []string `yaml:"holidays"`
	ValidThrough string   `yaml:"calendar_valid_through"` // YYYY-MM-DD
}

// TradingCalendar provides market-hours awareness for a single exchange.
// It is a pure function of the timestamp and the CalendarSpec it was built
// from. A calendar that cannot be trusted (unknown timezone, no holidays,
// or past its validity date) reports every instant as CLOSED.
type TradingCalendar struct {
	loc          *time.Location
	open         time.Duration // offset from local midnight
	close        time.Duration
	holidays     map[string]bool
	validThrough time.Time // exclusive: first local day not covered
	invalid      error
}

const dateLayout = "2006-01-02"

// NewTradingCalendar builds a calendar from spec. On error the returned
// calendar is still usable and reports CLOSED for every timestamp.
func NewTradingCalendar(spec CalendarSpec) (*TradingCalendar, error) {
	tc := &TradingCalendar{loc: time.UTC, holidays: make(map[string]bool)}

	var errs []error
	loc, err := time.LoadLocation(spec.Timezone)
	if err != nil || spec.Timezone == "" {
		errs = append(errs, fmt.Errorf("loading timezone %q: %w", spec.Timezone, errOr(err, "empty timezone")))
	} else {
		tc.loc = loc
	}

	if tc.open, err = parseClock(spec.Open); err != nil {
		errs = append(errs, fmt.Errorf("parsing open time: %w", err))
	}
	if tc.close, err = parseClock(spec.Close); err != nil {
		errs = append(errs, fmt.Errorf("parsing close time: %w", err))
	}
	if err == nil && tc.close <= tc.open {
		errs = append(errs, fmt.Errorf("close %s is not after open %s", spec.Close, spec.Open))
	}

	for _, h := range spec.Holidays {
		d, err := time.ParseInLocation(dateLayout, h, tc.loc)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing holiday %q: %w", h, err))
			continue
		}
		tc.holidays[d.Format(dateLayout)] = true
	}
	if len(tc.holidays) == 0 {
		errs = append(errs, errors.New("holiday calendar is empty"))
	}

	if spec.ValidThrough == "" {
		errs = append(errs, errors.New("calendar_valid_through is not set"))
	} else if d, err := time.ParseInLocation(dateLayout, spec.ValidThrough, tc.loc); err != nil {
		errs = append(errs, fmt.Errorf("parsing calendar_valid_through: %w", err))
	} else {
		tc.validThrough = d.AddDate(0, 0, 1)
	}

	if len(errs) > 0 {
		tc.invalid = errors.Join(errs...)
		return tc, tc.invalid
	}
	return tc, nil
}

// Err returns the reason the calendar is untrusted, or nil.
func (tc *TradingCalendar) Err() error { return tc.invalid }

// Location returns the exchange timezone.
func (tc *TradingCalendar) Location() *time.Location { return tc.loc }

// Status returns the session state at t.
func (tc *TradingCalendar) Status(t time.Time) domain.SessionStatus {
	if tc.invalid != nil {
		return domain.SessionClosed
	}
	local := t.In(tc.loc)
	if !local.Before(tc.validThrough) {
		return domain.SessionClosed
	}
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return domain.SessionClosed
	}
	if tc.holidays[local.Format(dateLayout)] {
		return domain.SessionHoliday
	}

	sinceMidnight := local.Sub(midnight(local))
	if sinceMidnight < tc.open || sinceMidnight >= tc.close {
		return domain.SessionClosed
	}
	return domain.SessionOpen
}

// IsMarketOpen returns whether the market is open at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	return tc.Status(t) == domain.SessionOpen
}

// IsTradingDay reports whether the local date of t is a weekday that is not
// a holiday and is covered by the calendar.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	if tc.invalid != nil {
		return false
	}
	local := t.In(tc.loc)
	if !local.Before(tc.validThrough) {
		return false
	}
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !tc.holidays[local.Format(dateLayout)]
}

// NextOpen returns the next session open at or after t. It returns the zero
// time when no open exists within the calendar's validity window.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	if tc.invalid != nil {
		return time.Time{}
	}
	local := t.In(tc.loc)
	day := midnight(local)
	for !day.After(tc.validThrough) {
		if tc.IsTradingDay(day) {
			open := day.Add(tc.open)
			if !open.Before(local) {
				return open
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}
}

// NextClose returns the close of the session in progress at t, or of the
// next session. Zero when none exists within the validity window.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	if tc.IsMarketOpen(t) {
		return midnight(t.In(tc.loc)).Add(tc.close)
	}
	open := tc.NextOpen(t)
	if open.IsZero() {
		return open
	}
	return midnight(open).Add(tc.close)
}

// SessionDate returns the exchange-local calendar date of t as YYYY-MM-DD.
// It is the daily boundary key for risk counters.
func (tc *TradingCalendar) SessionDate(t time.Time) string {
	return t.In(tc.loc).Format(dateLayout)
}

// Holidays returns the configured holiday dates in ascending order.
func (tc *TradingCalendar) Holidays() []string {
	out := make([]string, 0, len(tc.holidays))
	for d := range tc.holidays {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func parseClock(s string) (time.Duration, error) {
	c, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return time.Duration(c.Hour())*time.Hour + time.Duration(c.Minute())*time.Minute, nil
}

func errOr(err error, msg string) error {
	if err != nil {
		return err
	}
	return errors.New(msg)
}
