package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/edgeexec/internal/domain"
	"github.com/betbot/edgeexec/pkg/config"
	"github.com/betbot/edgeexec/pkg/ratelimit"
)

var log = logrus.WithField("component", "exchange")

const (
	endpointOrder     = "/order"
	endpointGetOrder  = "/data/order/"
	endpointCancelAll = "/cancel-all"
	endpointBook      = "/book"
)

// Credentials CLOB L2 API 凭证
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// ClobClient CLOB REST 客户端。所有调用都经过限速和 Retry 分类重试。
type ClobClient struct {
	http   *resty.Client
	creds  Credentials
	signer *OrderSigner
	limits *ratelimit.Manager
	policy RetryPolicy
	now    func() time.Time
}

func NewClobClient(cfg config.Exchange, signer *OrderSigner) *ClobClient {
	timeout := cfg.RequestTimeout.D()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// resty 自带重试关闭，统一由 Retry 处理
	hc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.ClobURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "edgeexec/1.0")

	policy := DefaultRetryPolicy()
	if cfg.NetworkRetries > 0 {
		policy.NetworkRetries = cfg.NetworkRetries
	}
	if cfg.RateLimitRetries > 0 {
		policy.RateLimitRetries = cfg.RateLimitRetries
	}
	return &ClobClient{
		http:   hc,
		creds:  Credentials{APIKey: cfg.APIKey, Secret: cfg.APISecret, Passphrase: cfg.APIPassphrase},
		signer: signer,
		limits: ratelimit.NewClobManager(),
		policy: policy,
		now:    time.Now,
	}
}

// PlaceOrder 签名后提交订单。签名在重试循环之外完成，重发的是同一个订单哈希。
func (c *ClobClient) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("place order: no signer configured")
	}
	signed, err := c.signer.Sign(req)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"order":     signed,
		"owner":     c.creds.APIKey,
		"orderType": string(req.OrderType),
	}

	var resp map[string]any
	start := c.now()
	if err := c.do(ctx, "clob:order:post", http.MethodPost, endpointOrder, nil, payload, &resp); err != nil {
		return nil, errors.Wrap(err, "place order")
	}
	if ok, present := resp["success"].(bool); present && !ok {
		return nil, fmt.Errorf("place order rejected: %s", firstString(resp, "errorMsg", "error"))
	}
	if msg := firstString(resp, "errorMsg"); msg != "" {
		return nil, fmt.Errorf("place order rejected: %s", msg)
	}
	id := firstString(resp, "orderID", "orderId", "id")
	if id == "" {
		return nil, fmt.Errorf("place order: response without order id")
	}

	status := NormalizeStatus(firstString(resp, "status"))
	log.WithFields(logrus.Fields{
		"order":   id,
		"token":   req.TokenID,
		"side":    req.Side,
		"type":    req.OrderType,
		"latency": c.now().Sub(start),
	}).Infof("📤 下单成功: %.2f @ %.2f status=%s", req.Size, req.Price, status)

	return &domain.Order{
		ID:        id,
		TokenID:   req.TokenID,
		Side:      req.Side,
		Price:     req.Price,
		Size:      req.Size,
		Status:    status,
		OrderType: req.OrderType,
		CreatedAt: c.now(),
	}, nil
}

// CancelOrder 撤单；404 表示订单已成交/已撤，视为成功
func (c *ClobClient) CancelOrder(ctx context.Context, orderID string) error {
	err := c.do(ctx, "clob:order:delete", http.MethodDelete, endpointOrder, nil, map[string]string{"orderID": orderID}, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		log.WithField("order", orderID).Debug("撤单: 订单不存在（已成交或已撤销）")
		return nil
	}
	return errors.Wrap(err, "cancel order")
}

// CancelAll 撤销全部挂单
func (c *ClobClient) CancelAll(ctx context.Context) error {
	return errors.Wrap(c.do(ctx, "clob:cancel-all", http.MethodDelete, endpointCancelAll, nil, nil, nil), "cancel all")
}

// GetOrder 查询订单状态（防御性解析）
func (c *ClobClient) GetOrder(ctx context.Context, orderID string) (*domain.OrderState, error) {
	var raw map[string]any
	if err := c.do(ctx, "clob:order:get", http.MethodGet, endpointGetOrder+orderID, nil, nil, &raw); err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	st := ParseOrderState(raw)
	if st.OrderID == "" {
		st.OrderID = orderID
	}
	return &st, nil
}

// FetchOrderbook 拉取订单簿快照（公共接口，无需签名）
func (c *ClobClient) FetchOrderbook(ctx context.Context, tokenID string) (*domain.BookSnapshot, error) {
	var raw map[string]any
	q := url.Values{"token_id": []string{tokenID}}
	if err := c.do(ctx, "clob:book:get", http.MethodGet, endpointBook, q, nil, &raw); err != nil {
		return nil, errors.Wrap(err, "fetch orderbook")
	}
	b := ParseBook(tokenID, raw, c.now())
	return &b, nil
}

func (c *ClobClient) do(ctx context.Context, limitKey, method, path string, query url.Values, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		payload = b
	}

	return Retry(ctx, c.policy, func(ctx context.Context) error {
		if err := c.limits.Wait(ctx, limitKey); err != nil {
			return err
		}
		r := c.http.R().SetContext(ctx)
		if query != nil {
			r.SetQueryParamsFromValues(query)
		}
		if payload != nil {
			r.SetHeader("Content-Type", "application/json").SetBody(payload)
		}
		if c.creds.APIKey != "" {
			r.SetHeaders(c.l2Headers(method, path, string(payload)))
		}

		resp, err := r.Execute(method, path)
		if err != nil {
			return errors.Wrapf(err, "%s %s", method, path)
		}
		if !resp.IsSuccess() {
			return statusError(resp)
		}
		if out != nil && len(resp.Body()) > 0 {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return fmt.Errorf("decode %s %s: %w", method, path, err)
			}
		}
		return nil
	})
}

func statusError(resp *resty.Response) error {
	se := &StatusError{Code: resp.StatusCode(), Body: string(resp.Body())}
	if ra := resp.Header().Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(ra)); err == nil {
			se.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return se
}

// l2Headers POLY_* 认证头：HMAC-SHA256(timestamp + method + path + body)
func (c *ClobClient) l2Headers(method, path, body string) map[string]string {
	ts := strconv.FormatInt(c.now().Unix(), 10)
	h := map[string]string{
		"POLY_API_KEY":    c.creds.APIKey,
		"POLY_PASSPHRASE": c.creds.Passphrase,
		"POLY_TIMESTAMP":  ts,
		"POLY_SIGNATURE":  hmacSignature(c.creds.Secret, ts+method+path+body),
	}
	if c.signer != nil {
		h["POLY_ADDRESS"] = c.signer.Address()
	}
	return h
}

// hmacSignature secret 为 base64url（兼容标准 base64 / 原文），输出 URL 安全 base64
func hmacSignature(secret, message string) string {
	key, err := base64.URLEncoding.DecodeString(secret)
	if err != nil {
		key, err = base64.StdEncoding.DecodeString(secret)
		if err != nil {
			key = []byte(secret)
		}
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}
