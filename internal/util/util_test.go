package util

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"autotrade/internal/domain"
)

var errTransient = errors.New("transient error")

func noSleep(context.Context, time.Duration) error { return nil }

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, Sleep: noSleep}
	err := p.Do(context.Background(), func(int) error {
		attempts++
		if attempts < targetAttempts {
			return errTransient
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Do returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Do called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	p := RetryPolicy{MaxAttempts: maxAttempts, Sleep: noSleep}
	err := p.Do(context.Background(), func(int) error {
		attempts++
		return errTransient
	})

	if err == nil {
		t.Fatal("Do should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Do called fn %d times, want %d", attempts, maxAttempts)
	}
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("error %v is not an ExhaustedError", err)
	}
	if !errors.Is(err, errTransient) {
		t.Errorf("exhausted error does not unwrap to the last attempt's error")
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("rejected")
	attempts := 0

	p := RetryPolicy{
		MaxAttempts: 5,
		Sleep:       noSleep,
		Retryable:   func(err error) bool { return errors.Is(err, errTransient) },
	}
	err := p.Do(context.Background(), func(int) error {
		attempts++
		return fatal
	})

	if !errors.Is(err, fatal) {
		t.Errorf("Do error = %v, want %v", err, fatal)
	}
	if attempts != 1 {
		t.Errorf("Do called fn %d times, want 1", attempts)
	}
}

func TestRetryHonoursCancellationBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}
	err := p.Do(ctx, func(int) error {
		attempts++
		cancel()
		return errTransient
	})

	if err == nil {
		t.Fatal("Do should fail after cancellation")
	}
	if attempts != 1 {
		t.Errorf("Do called fn %d times, want 1", attempts)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 350 * time.Millisecond}

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 350 * time.Millisecond, 350 * time.Millisecond}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, Jitter: 0.2}
	for range 50 {
		d := p.Backoff(1)
		if d < 80*time.Millisecond || d > 120*time.Millisecond {
			t.Fatalf("Backoff(1) = %v, outside jitter bounds", d)
		}
	}
}

func TestRateLimiterBurst(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		err := rl.Wait(ctx)
		cancel()
		if err != nil {
			t.Fatalf("Wait %d within burst = %v, want nil", i+1, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); err == nil {
		t.Error("third immediate Wait should be limited until the context expires")
	}
}

func TestRateLimiterWaitCancelled(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait = %v, want nil", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rl.Wait(ctx); err == nil {
		t.Error("Wait should return the context error")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	var rl *RateLimiter
	if err := rl.Wait(context.Background()); err != nil {
		t.Errorf("nil limiter Wait = %v, want nil", err)
	}
}

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown", "component", "test")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record logged at warn level: %s", out)
	}
	if !strings.Contains(out, `"component":"test"`) {
		t.Errorf("warn record missing attributes: %s", out)
	}
	if ParseLevel("bogus") != slog.LevelInfo {
		t.Errorf("ParseLevel(bogus) = %v, want info", ParseLevel("bogus"))
	}
}

func krxSpec() CalendarSpec {
	return CalendarSpec{
		Timezone:     "Asia/Seoul",
		Open:         "09:00",
		Close:        "15:30",
		Holidays:     []string{"2026-01-01", "2026-10-09"},
		ValidThrough: "2026-12-31",
	}
}

func kst(t *testing.T, value string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, loc)
	if err != nil {
		t.Fatalf("parsing %q: %v", value, err)
	}
	return ts
}

func TestTradingCalendarStatus(t *testing.T) {
	cal, err := NewTradingCalendar(krxSpec())
	if err != nil {
		t.Skipf("calendar unavailable: %v", err)
	}

	tests := []struct {
		at   string
		want domain.SessionStatus
	}{
		{"2026-10-19 08:59", domain.SessionClosed},
		{"2026-10-19 09:00", domain.SessionOpen},
		{"2026-10-19 15:29", domain.SessionOpen},
		{"2026-10-19 15:30", domain.SessionClosed},
		{"2026-10-17 10:00", domain.SessionClosed}, // Saturday
		{"2026-10-09 10:00", domain.SessionHoliday},
		{"2027-01-04 10:00", domain.SessionClosed}, // past validity
	}
	for _, tt := range tests {
		if got := cal.Status(kst(t, tt.at)); got != tt.want {
			t.Errorf("Status(%s) = %s, want %s", tt.at, got, tt.want)
		}
	}
}

func TestTradingCalendarConservativeWhenUntrusted(t *testing.T) {
	spec := krxSpec()
	spec.Holidays = nil
	cal, err := NewTradingCalendar(spec)
	if err == nil {
		t.Fatal("empty holiday set should be reported")
	}
	if got := cal.Status(kst(t, "2026-10-19 10:00")); got != domain.SessionClosed {
		t.Errorf("Status with empty holidays = %s, want CLOSED", got)
	}

	spec = krxSpec()
	spec.Timezone = "Mars/Olympus"
	cal, err = NewTradingCalendar(spec)
	if err == nil {
		t.Fatal("bad timezone should be reported")
	}
	if cal.IsMarketOpen(time.Now()) {
		t.Error("calendar with bad timezone reported open")
	}
}

func TestTradingCalendarNextOpen(t *testing.T) {
	cal, err := NewTradingCalendar(krxSpec())
	if err != nil {
		t.Skipf("calendar unavailable: %v", err)
	}

	// Thursday evening before the Friday holiday rolls to Monday.
	got := cal.NextOpen(kst(t, "2026-10-08 16:00"))
	want := kst(t, "2026-10-12 09:00")
	if !got.Equal(want) {
		t.Errorf("NextOpen = %v, want %v", got, want)
	}
	if d := cal.SessionDate(kst(t, "2026-10-19 23:59")); d != "2026-10-19" {
		t.Errorf("SessionDate = %q, want %q", d, "2026-10-19")
	}
	close := cal.NextClose(kst(t, "2026-10-19 10:00"))
	if !close.Equal(kst(t, "2026-10-19 15:30")) {
		t.Errorf("NextClose = %v, want 15:30 same day", close)
	}
}
