package actuator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// HTTPOptions configures the device bridge endpoint
type HTTPOptions struct {
	BaseURL string
	Token   string
	// Dial overrides the connection dialer
	Dial func(addr string) (net.Conn, error)
}

// HTTP posts each request as JSON to {BaseURL}/execute on a device bridge
type HTTP struct {
	client   *fasthttp.Client
	endpoint string
	token    string
	logger   *zap.SugaredLogger
}

// NewHTTP creates an HTTP actuator
func NewHTTP(opts HTTPOptions, logger *zap.SugaredLogger) (*HTTP, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("http actuator requires a base url")
	}
	client := &fasthttp.Client{
		Name:                "warmupd",
		MaxConnsPerHost:     4,
		ReadTimeout:         15 * time.Minute,
		WriteTimeout:        30 * time.Second,
		MaxIdleConnDuration: time.Minute,
	}
	if opts.Dial != nil {
		client.Dial = opts.Dial
	}
	return &HTTP{
		client:   client,
		endpoint: strings.TrimRight(opts.BaseURL, "/") + "/execute",
		token:    opts.Token,
		logger:   logger,
	}, nil
}

func (h *HTTP) Name() string { return "http" }

func (h *HTTP) Execute(ctx context.Context, req *Request) (*Result, error) {
	// 1. Build request body
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq := fasthttp.AcquireRequest()
	httpResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(httpReq)
	defer fasthttp.ReleaseResponse(httpResp)

	httpReq.SetRequestURI(h.endpoint)
	httpReq.Header.SetMethod(fasthttp.MethodPost)
	httpReq.Header.SetContentType("application/json")
	if h.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.token)
	}
	httpReq.SetBody(body)

	// 2. Send, bounded by the caller's deadline
	start := time.Now()
	if deadline, ok := ctx.Deadline(); ok {
		err = h.client.DoDeadline(httpReq, httpResp, deadline)
	} else {
		err = h.client.Do(httpReq, httpResp)
	}
	if err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("call device bridge: %w", err)
	}
	elapsed := time.Since(start).Milliseconds()

	h.logger.Debugw("Device bridge responded",
		"phase", req.Phase,
		"account_id", req.AccountID,
		"status", httpResp.StatusCode(),
		"duration_ms", elapsed,
	)

	// 3. Parse response
	return parseHTTPResult(httpResp.StatusCode(), httpResp.Body(), elapsed), nil
}

func parseHTTPResult(status int, body []byte, elapsed int64) *Result {
	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		// Not JSON: only the status code tells us anything
		res = Result{Success: status < 300}
		if !res.Success {
			res.ErrorMessage = fmt.Sprintf("device bridge returned %d: %s", status, truncate(string(body), 200))
		}
	} else if status >= 300 {
		res.Success = false
		if res.ErrorMessage == "" {
			res.ErrorMessage = fmt.Sprintf("device bridge returned %d", status)
		}
	}
	if res.DurationMs == 0 {
		res.DurationMs = elapsed
	}
	return &res
}

// truncate caps s at n bytes without splitting a character. Invalid UTF-8
// from the device is replaced so the message can be stored as text.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
