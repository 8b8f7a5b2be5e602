package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"autotrade/internal/domain"
)

var (
	_ Sink = (*Webhook)(nil)
	_ Sink = (*Kakao)(nil)
)

// Webhook posts every event as JSON to a URL.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a Webhook sink posting to url.
func NewWebhook(url string) *Webhook {
	return &Webhook{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *Webhook) Name() string { return "webhook" }

type webhookPayload struct {
	domain.Event
	Text string `json:"text"`
}

// Send posts ev. Any status >= 400 is an error.
func (w *Webhook) Send(ctx context.Context, ev domain.Event) error {
	body, err := json.Marshal(webhookPayload{Event: ev, Text: Format(ev)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(w.client, req)
}

// KakaoMemoURL is the Kakao "send to me" memo endpoint.
const KakaoMemoURL = "https://kapi.kakao.com/v2/api/talk/memo/default/send"

// Kakao sends events as KakaoTalk memo messages with a user access token.
type Kakao struct {
	token    string
	endpoint string
	linkURL  string
	client   *http.Client
}

// NewKakao creates a Kakao sink. An empty endpoint uses KakaoMemoURL.
func NewKakao(token, endpoint string) *Kakao {
	if endpoint == "" {
		endpoint = KakaoMemoURL
	}
	return &Kakao{
		token:    token,
		endpoint: endpoint,
		linkURL:  "https://example.com",
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (k *Kakao) Name() string { return "kakao" }

type kakaoTemplate struct {
	ObjectType string    `json:"object_type"`
	Text       string    `json:"text"`
	Link       kakaoLink `json:"link"`
}

type kakaoLink struct {
	WebURL string `json:"web_url"`
}

// Send posts ev as a text template.
func (k *Kakao) Send(ctx context.Context, ev domain.Event) error {
	tmpl, err := json.Marshal(kakaoTemplate{
		ObjectType: "text",
		Text:       Format(ev),
		Link:       kakaoLink{WebURL: k.linkURL},
	})
	if err != nil {
		return err
	}
	form := url.Values{"template_object": {string(tmpl)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+k.token)
	return do(k.client, req)
}

func do(client *http.Client, req *http.Request) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned status %d: %s", req.URL.Host, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
