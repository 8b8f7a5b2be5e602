package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"autotrade/internal/domain"
)

// Compile-time interface check.
var _ Transport = (*KISClient)(nil)

// KIS transaction ids.
const (
	trBuy          = "TTTC0802U"
	trSell         = "TTTC0801U"
	trPrice        = "FHKST01010100"
	trAskingPrice  = "FHKST01010200"
	trConclusion   = "FHKST01010300"
	trDailyConclus = "TTTC8001R"
)

// KIS business codes that change classification.
var (
	kisAuthCodes      = map[string]bool{"EGW00121": true, "EGW00123": true}
	kisRateLimitCodes = map[string]bool{"EGW00201": true}
)

// KISConfig holds credentials and endpoint for KISClient.
type KISConfig struct {
	AppKey    string
	AppSecret string
	AccountNo string // 12345678-01
	BaseURL   string
	Timeout   time.Duration
}

// KISClient is a Transport for the Korea Investment & Securities REST API
// (domestic equities, cash account).
type KISClient struct {
	cfg  KISConfig
	http *http.Client
	loc  *time.Location
	now  func() time.Time
	log  *slog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	submitted   map[string]string // client order id -> ODNO
}

// NewKISClient creates a KISClient. No request is made until the first call.
func NewKISClient(cfg KISConfig) *KISClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		loc = time.FixedZone("KST", 9*3600)
	}
	return &KISClient{
		cfg:       cfg,
		http:      &http.Client{Timeout: cfg.Timeout},
		loc:       loc,
		now:       time.Now,
		log:       slog.Default().With("component", "kis"),
		submitted: make(map[string]string),
	}
}

// Name returns "kis".
func (c *KISClient) Name() string { return "kis" }

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	ErrorCode   string `json:"error_code"`
	ErrorDesc   string `json:"error_description"`
}

// Authenticate issues a new access token and caches it until one minute
// before expiry. The expiry comes from the token's JWT exp claim when it has
// one, otherwise from expires_in.
func (c *KISClient) Authenticate(ctx context.Context) error {
	payload := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     c.cfg.AppKey,
		"appsecret":  c.cfg.AppSecret,
	}
	var tr tokenResponse
	status, err := c.doJSON(ctx, http.MethodPost, "/oauth2/tokenP", nil, payload, nil, &tr)
	if err != nil {
		return &Error{Op: "authenticate", Class: ClassTransient, Status: status, Err: err}
	}
	if status != http.StatusOK || tr.AccessToken == "" {
		class := ClassAuth
		if status == http.StatusTooManyRequests || status >= 500 {
			class = ClassTransient
		}
		return &Error{Op: "authenticate", Class: class, Status: status, Code: tr.ErrorCode, Message: tr.ErrorDesc}
	}

	expiry := c.now().Add(time.Duration(max(tr.ExpiresIn, 60)) * time.Second)
	if exp, ok := jwtExpiry(tr.AccessToken); ok {
		expiry = exp
	}

	c.mu.Lock()
	c.token = tr.AccessToken
	c.tokenExpiry = expiry.Add(-time.Minute)
	c.mu.Unlock()

	c.log.Info("access token issued", "expires", expiry)
	return nil
}

// jwtExpiry reads the exp claim without verifying the signature; the token
// came straight from the issuer over TLS.
func jwtExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func (c *KISClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok, exp := c.token, c.tokenExpiry
	c.mu.Unlock()
	if tok != "" && c.now().Before(exp) {
		return tok, nil
	}
	if err := c.Authenticate(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, nil
}

// ---------------------------------------------------------------------------
// Quotes
// ---------------------------------------------------------------------------

type kisEnvelope struct {
	RtCd  string          `json:"rt_cd"`
	MsgCd string          `json:"msg_cd"`
	Msg1  string          `json:"msg1"`
	Out   json.RawMessage `json:"output"`
	Out1  json.RawMessage `json:"output1"`
}

type kisPrice struct {
	Price      string `json:"stck_prpr"`
	Open       string `json:"stck_oprc"`
	High       string `json:"stck_hgpr"`
	Low        string `json:"stck_lwpr"`
	Volume     string `json:"acml_vol"`
	VolumeRate string `json:"prdy_vrss_vol_rate"` // % of previous day's volume
}

type kisAsking struct {
	Ask1 string `json:"askp1"`
	Bid1 string `json:"bidp1"`
}

type kisConclusion struct {
	Strength string `json:"tday_rltv"`
}

// Quote combines inquire-price, the first level of the order book, and the
// day's execution strength into one snapshot.
func (c *KISClient) Quote(ctx context.Context, symbol string) (domain.Quote, error) {
	params := url.Values{"fid_cond_mrkt_div_code": {"J"}, "fid_input_iscd": {symbol}}

	var price kisPrice
	if err := c.get(ctx, "quote", "/uapi/domestic-stock/v1/quotations/inquire-price", trPrice, params, &price, false); err != nil {
		return domain.Quote{}, err
	}
	var asking kisAsking
	if err := c.get(ctx, "quote", "/uapi/domestic-stock/v1/quotations/inquire-asking-price-exp-ccn", trAskingPrice, params, &asking, true); err != nil {
		return domain.Quote{}, err
	}
	var ccnl []kisConclusion
	if err := c.get(ctx, "quote", "/uapi/domestic-stock/v1/quotations/inquire-ccnl", trConclusion, params, &ccnl, false); err != nil {
		return domain.Quote{}, err
	}

	q := domain.Quote{
		Symbol:      symbol,
		Price:       parseNum(price.Price),
		Open:        parseNum(price.Open),
		High:        parseNum(price.High),
		Low:         parseNum(price.Low),
		Volume:      int64(parseNum(price.Volume)),
		VolumeRatio: parseNum(price.VolumeRate) / 100,
		Ask:         parseNum(asking.Ask1),
		Bid:         parseNum(asking.Bid1),
		Timestamp:   c.now(),
	}
	if len(ccnl) > 0 {
		q.ExecutionStrength = parseNum(ccnl[0].Strength)
	}
	if q.Price <= 0 {
		return domain.Quote{}, &Error{Op: "quote", Class: ClassTransient, Status: http.StatusOK, Message: "empty price for " + symbol}
	}
	return q, nil
}

// get performs an authenticated GET and decodes output (or output1 when
// useOutput1) into out.
func (c *KISClient) get(ctx context.Context, op, path, trID string, params url.Values, out any, useOutput1 bool) error {
	tok, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	var env kisEnvelope
	status, err := c.doJSON(ctx, http.MethodGet, path, params, nil, c.headers(tok, trID, ""), &env)
	if err != nil {
		return networkError(op, false, err)
	}
	if cerr := c.classify(op, status, env, false); cerr != nil {
		return cerr
	}
	raw := env.Out
	if useOutput1 {
		raw = env.Out1
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Op: op, Class: ClassTransient, Status: status, Message: "decoding output", Err: err}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

type orderOutput struct {
	OrderNo   string `json:"ODNO"`
	OrderTime string `json:"ORD_TMD"`
}

// SubmitOrder places a cash order. Limit orders carry ORD_DVSN 00, market
// orders 01. An accepted order (rt_cd 0) is reported FILLED at the
// requested price.
func (c *KISClient) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	c.mu.Lock()
	_, known := c.submitted[req.ClientOrderID]
	c.mu.Unlock()
	if known {
		return c.OrderStatus(ctx, req)
	}

	cano, prdt, err := splitAccount(c.cfg.AccountNo)
	if err != nil {
		return nil, &Error{Op: "place_order", Class: ClassConfigInvalid, Message: err.Error()}
	}
	trID := trBuy
	if req.Side == domain.SideSell {
		trID = trSell
	}
	body := orderBody(cano, prdt, req)

	tok, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	hash, err := c.hashkey(ctx, body)
	if err != nil {
		return nil, err
	}

	var env kisEnvelope
	status, err := c.doJSON(ctx, http.MethodPost, "/uapi/domestic-stock/v1/trading/order-cash", nil, body, c.headers(tok, trID, hash), &env)
	if err != nil {
		return nil, networkError("place_order", true, err)
	}
	if cerr := c.classify("place_order", status, env, true); cerr != nil {
		res := &domain.OrderResult{ClientOrderID: req.ClientOrderID, StatusCode: status, Code: env.MsgCd, Message: env.Msg1}
		if cerr.Class == ClassRejected {
			res.State = domain.OrderRejected
		}
		return res, cerr
	}

	var out orderOutput
	_ = json.Unmarshal(env.Out, &out)

	c.mu.Lock()
	c.submitted[req.ClientOrderID] = out.OrderNo
	c.mu.Unlock()

	return &domain.OrderResult{
		ClientOrderID: req.ClientOrderID,
		BrokerOrderID: out.OrderNo,
		State:         domain.OrderFilled,
		FilledQty:     req.Qty,
		FilledPrice:   req.Price,
		StatusCode:    status,
		Code:          env.RtCd,
		Message:       env.Msg1,
	}, nil
}

func orderBody(cano, prdt string, req domain.OrderRequest) map[string]string {
	unpr := "0"
	dvsn := "01"
	if p := int64(req.Price + 0.5); p > 0 {
		unpr = strconv.FormatInt(p, 10)
		dvsn = "00"
	}
	return map[string]string{
		"CANO":         cano,
		"ACNT_PRDT_CD": prdt,
		"PDNO":         req.Symbol,
		"ORD_DVSN":     dvsn,
		"ORD_QTY":      strconv.FormatInt(req.Qty, 10),
		"ORD_UNPR":     unpr,
	}
}

func (c *KISClient) hashkey(ctx context.Context, body map[string]string) (string, error) {
	hdr := http.Header{}
	hdr.Set("appKey", c.cfg.AppKey)
	hdr.Set("appSecret", c.cfg.AppSecret)

	var resp struct {
		Hash string `json:"HASH"`
	}
	status, err := c.doJSON(ctx, http.MethodPost, "/uapi/hashkey", nil, body, hdr, &resp)
	if err != nil {
		return "", networkError("hashkey", false, err)
	}
	if status != http.StatusOK || resp.Hash == "" {
		return "", &Error{Op: "hashkey", Class: classifyStatus(status), Status: status, Message: "hashkey unavailable"}
	}
	return resp.Hash, nil
}

type dailyConclusion struct {
	OrderNo   string `json:"odno"`
	OrderTime string `json:"ord_tmd"` // HHMMSS
	Symbol    string `json:"pdno"`
	SideCode  string `json:"sll_buy_dvsn_cd"` // 01 sell, 02 buy
	OrderQty  string `json:"ord_qty"`
	FilledQty string `json:"tot_ccld_qty"`
	AvgPrice  string `json:"avg_prvs"`
	Cancelled string `json:"cncl_yn"`
	RejectQty string `json:"rjct_qty"`
}

// OrderStatus reconciles req against today's order history
// (inquire-daily-ccld). An order this client submitted is matched by its
// order number; otherwise by symbol, side and quantity among orders placed
// at or after req.SubmittedAt.
func (c *KISClient) OrderStatus(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	cano, prdt, err := splitAccount(c.cfg.AccountNo)
	if err != nil {
		return nil, &Error{Op: "order_status", Class: ClassConfigInvalid, Message: err.Error()}
	}

	at := req.SubmittedAt
	if at.IsZero() {
		at = c.now()
	}
	day := at.In(c.loc).Format("20060102")
	side := "02"
	if req.Side == domain.SideSell {
		side = "01"
	}
	params := url.Values{
		"CANO":            {cano},
		"ACNT_PRDT_CD":    {prdt},
		"INQR_STRT_DT":    {day},
		"INQR_END_DT":     {day},
		"SLL_BUY_DVSN_CD": {side},
		"INQR_DVSN":       {"00"},
		"PDNO":            {req.Symbol},
		"CCLD_DVSN":       {"00"},
		"ORD_GNO_BRNO":    {""},
		"ODNO":            {""},
		"INQR_DVSN_3":     {"00"},
		"INQR_DVSN_1":     {""},
		"CTX_AREA_FK100":  {""},
		"CTX_AREA_NK100":  {""},
	}

	var rows []dailyConclusion
	if err := c.get(ctx, "order_status", "/uapi/domestic-stock/v1/trading/inquire-daily-ccld", trDailyConclus, params, &rows, true); err != nil {
		return nil, err
	}

	c.mu.Lock()
	odno := c.submitted[req.ClientOrderID]
	c.mu.Unlock()
	notBefore := at.In(c.loc).Add(-time.Second).Format("150405")

	for _, r := range rows {
		if odno != "" {
			if r.OrderNo != odno {
				continue
			}
		} else if r.Symbol != req.Symbol || r.SideCode != side ||
			int64(parseNum(r.OrderQty)) != req.Qty || r.OrderTime < notBefore {
			continue
		}

		c.mu.Lock()
		c.submitted[req.ClientOrderID] = r.OrderNo
		c.mu.Unlock()
		return conclusionResult(req.ClientOrderID, r), nil
	}
	return &domain.OrderResult{ClientOrderID: req.ClientOrderID, State: domain.OrderNotFound}, nil
}

func conclusionResult(token string, r dailyConclusion) *domain.OrderResult {
	res := &domain.OrderResult{
		ClientOrderID: token,
		BrokerOrderID: r.OrderNo,
		FilledQty:     int64(parseNum(r.FilledQty)),
		FilledPrice:   parseNum(r.AvgPrice),
		State:         domain.OrderPending,
	}
	ordered := int64(parseNum(r.OrderQty))
	switch {
	case ordered > 0 && res.FilledQty >= ordered:
		res.State = domain.OrderFilled
	case r.Cancelled == "Y":
		res.State = domain.OrderCancelled
	case parseNum(r.RejectQty) > 0:
		res.State = domain.OrderRejected
	}
	return res
}

// ---------------------------------------------------------------------------
// Plumbing
// ---------------------------------------------------------------------------

func (c *KISClient) headers(token, trID, hash string) http.Header {
	h := http.Header{}
	h.Set("authorization", "Bearer "+token)
	h.Set("appKey", c.cfg.AppKey)
	h.Set("appSecret", c.cfg.AppSecret)
	h.Set("tr_id", trID)
	h.Set("custtype", "P")
	if hash != "" {
		h.Set("hashkey", hash)
	}
	return h
}

// classify turns a decoded response into an error, or nil on success.
func (c *KISClient) classify(op string, status int, env kisEnvelope, order bool) *Error {
	if status == http.StatusOK && env.RtCd == "0" {
		return nil
	}
	e := &Error{Op: op, Status: status, Code: env.MsgCd, Message: env.Msg1}
	switch {
	case kisAuthCodes[env.MsgCd]:
		e.Class = ClassAuth
	case kisRateLimitCodes[env.MsgCd]:
		e.Class = ClassTransient
	case status == http.StatusOK:
		// rt_cd != 0 on a 200 is a business-rule rejection.
		e.Class = ClassRejected
	case order:
		e.Class = classifyOrderStatus(status)
	default:
		e.Class = classifyStatus(status)
	}
	if e.Code == "" {
		e.Code = env.RtCd
	}
	return e
}

// doJSON sends a JSON request and decodes a JSON response into out. It
// returns the HTTP status; err is non-nil only when no usable response
// arrived.
func (c *KISClient) doJSON(ctx context.Context, method, path string, params url.Values, body any, hdr http.Header, out any) (int, error) {
	u := c.cfg.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	if len(data) > 0 && out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			c.log.Warn("non-JSON response", "path", path, "status", resp.StatusCode, "error", err)
		}
	}
	return resp.StatusCode, nil
}

func splitAccount(account string) (string, string, error) {
	raw := strings.ReplaceAll(account, "-", "")
	if len(raw) != 10 {
		return "", "", fmt.Errorf("account number %q malformed, expected e.g. 12345678-01", account)
	}
	return raw[:8], raw[8:], nil
}

func parseNum(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}
