package msgcache

import (
	"context"
	"strconv"
	"time"

	"PPChat/tools/errs"

	"github.com/go-resty/resty/v2"
)

const (
	pathMessages = "/api/conversations/{conversationId}/messages"
	pathContext  = "/api/conversations/{conversationId}/messages/{messageId}/context"
)

// HTTPFetcher 调网关的历史消息接口
type HTTPFetcher struct {
	client *resty.Client
}

func NewHTTPFetcher(baseURL, token string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(token).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &HTTPFetcher{client: c}
}

// SetToken token 刷新后调用
func (f *HTTPFetcher) SetToken(token string) {
	f.client.SetAuthToken(token)
}

func (f *HTTPFetcher) ListMessages(ctx context.Context, convID, cursor string, limit int) (*Page, error) {
	var page Page
	req := f.client.R().
		SetContext(ctx).
		SetPathParam("conversationId", convID).
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetResult(&page).
		SetError(&errs.WireError{})
	if cursor != "" {
		req.SetQueryParam("cursor", cursor)
	}
	resp, err := req.Get(pathMessages)
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListNewer 同一个列表接口，带 after 往新的方向翻
func (f *HTTPFetcher) ListNewer(ctx context.Context, convID, cursor string, limit int) (*Page, error) {
	var page Page
	resp, err := f.client.R().
		SetContext(ctx).
		SetPathParam("conversationId", convID).
		SetQueryParams(map[string]string{
			"after": cursor,
			"limit": strconv.Itoa(limit),
		}).
		SetResult(&page).
		SetError(&errs.WireError{}).
		Get(pathMessages)
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &page, nil
}

func (f *HTTPFetcher) MessageContext(ctx context.Context, convID, messageID string, before, after int) (*ContextPage, error) {
	var page ContextPage
	resp, err := f.client.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"conversationId": convID, "messageId": messageID}).
		SetQueryParams(map[string]string{
			"before": strconv.Itoa(before),
			"after":  strconv.Itoa(after),
		}).
		SetResult(&page).
		SetError(&errs.WireError{}).
		Get(pathContext)
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &page, nil
}

// check 非 2xx 按服务端 WireError 还原成错误码
func check(resp *resty.Response, err error) error {
	if err != nil {
		return errs.ErrInfra.WrapMsg("history request failed", "err", err.Error())
	}
	if !resp.IsError() {
		return nil
	}
	w, ok := resp.Error().(*errs.WireError)
	if !ok || w.Code == 0 {
		return errs.ErrInfra.WrapMsg("history request failed", "status", resp.StatusCode())
	}
	ce := errs.NewCodeError(w.Code, w.Message)
	if w.RetryAfterMs > 0 {
		ce = ce.WithRetryAfter(time.Duration(w.RetryAfterMs) * time.Millisecond)
	}
	return ce.Wrap()
}
