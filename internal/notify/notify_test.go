package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"autotrade/internal/domain"
)

type captureSink struct {
	mu     sync.Mutex
	events []domain.Event
	block  chan struct{}
	err    error
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) Send(ctx context.Context, ev domain.Event) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return c.err
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func fill() domain.Event {
	return domain.Event{
		Type:    domain.EventOrderFilled,
		Symbol:  "005930",
		Message: "BUY 21 @ 71000",
		At:      time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC),
	}
}

func TestDispatcherDeliversToEverySink(t *testing.T) {
	a, b := &captureSink{}, &captureSink{err: errors.New("down")}
	d := NewDispatcher(8, a, b)
	d.Start()

	d.Publish(fill())
	d.Publish(fill())
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if a.count() != 2 || b.count() != 2 {
		t.Errorf("deliveries = %d/%d, want 2/2", a.count(), b.count())
	}
	if d.Sent() != 2 {
		t.Errorf("Sent = %d, want 2 (failing sink not counted)", d.Sent())
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	s := &captureSink{block: make(chan struct{})}
	d := NewDispatcher(2, s)
	d.Start()

	// One event is held by the blocked sink, two fill the queue.
	for i := 0; i < 10; i++ {
		d.Publish(fill())
	}
	if d.Dropped() < 7 {
		t.Errorf("Dropped = %d, want >= 7", d.Dropped())
	}

	close(s.block)
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := s.count() + int(d.Dropped()); got != 10 {
		t.Errorf("delivered + dropped = %d, want 10", got)
	}

	d.Publish(fill())
	if got := s.count() + int(d.Dropped()); got != 11 {
		t.Errorf("publish after Close was not counted as dropped")
	}
}

func TestFormat(t *testing.T) {
	ev := domain.Event{Type: domain.EventRiskBlocked, Symbol: "005930", Reason: domain.BlockerMaxOrders, Message: "orders today 8 >= 8"}
	want := "[RISK_BLOCKED] 005930 (MAX_ORDERS_REACHED) orders today 8 >= 8"
	if got := Format(ev); got != want {
		t.Errorf("Format = %q, want %q", got, want)
	}
	if got := Format(domain.Event{Type: domain.EventEngineFatal}); got != "[ENGINE_FATAL]" {
		t.Errorf("Format(bare) = %q", got)
	}
}

func TestWebhookPostsJSON(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	if err := NewWebhook(srv.URL).Send(context.Background(), fill()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["type"] != "ORDER_FILLED" || got["symbol"] != "005930" {
		t.Errorf("payload = %v", got)
	}
	if got["text"] != "[ORDER_FILLED] 005930 BUY 21 @ 71000" {
		t.Errorf("text = %v", got["text"])
	}
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL).Send(context.Background(), fill())
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("Send = %v, want status 502 error", err)
	}
}

func TestKakaoMemo(t *testing.T) {
	var (
		auth string
		form url.Values
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(body))
		w.Write([]byte(`{"result_code":0}`))
	}))
	defer srv.Close()

	if err := NewKakao("tok", srv.URL).Send(context.Background(), fill()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if auth != "Bearer tok" {
		t.Errorf("Authorization = %q", auth)
	}
	var tmpl kakaoTemplate
	if err := json.Unmarshal([]byte(form.Get("template_object")), &tmpl); err != nil {
		t.Fatalf("template_object: %v", err)
	}
	if tmpl.ObjectType != "text" || tmpl.Text != "[ORDER_FILLED] 005930 BUY 21 @ 71000" {
		t.Errorf("template = %+v", tmpl)
	}
}
