package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/paaavkata/crypto-wager/shared/pkg/utils"
	"github.com/sirupsen/logrus"
)

type Config struct {
	BaseURL           string
	RequestsPerSecond int
	Timeout           time.Duration
}

type Client struct {
	client      *resty.Client
	logger      *logrus.Logger
	rateLimiter *RateLimiter
}

func NewClient(config Config, logger *logrus.Logger) *Client {
	client := resty.New()

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = BaseURL
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client.SetBaseURL(baseURL)
	client.SetTimeout(timeout)
	client.SetRetryCount(3)
	client.SetRetryWaitTime(200 * time.Millisecond)

	return &Client{
		client:      client,
		logger:      logger,
		rateLimiter: NewRateLimiter(config.RequestsPerSecond),
	}
}

// GetKlines fetches klines for one symbol. A successful response with no rows
// yields ErrEmptyResult.
func (c *Client) GetKlines(ctx context.Context, req KlineRequest) ([]Kline, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	interval := req.Interval
	if interval == "" {
		interval = Interval1s
	}
	params := map[string]string{
		"symbol":   req.Symbol,
		"interval": interval,
	}
	if req.StartTime > 0 {
		params["startTime"] = strconv.FormatInt(req.StartTime, 10)
	}
	if req.EndTime > 0 {
		params["endTime"] = strconv.FormatInt(req.EndTime, 10)
	}
	if req.Limit > 0 {
		params["limit"] = strconv.Itoa(req.Limit)
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get("/klines")
	if err != nil {
		c.logger.WithError(err).WithField("symbol", req.Symbol).Error("Failed to fetch klines")
		return nil, &UpstreamError{Op: "klines", Err: err}
	}
	if !resp.IsSuccess() {
		c.logger.WithFields(logrus.Fields{
			"symbol":      req.Symbol,
			"status_code": resp.StatusCode(),
		}).Error("Klines request rejected")
		return nil, &UpstreamError{Op: "klines", StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	klines, err := parseKlines(resp.Body())
	if err != nil {
		return nil, &UpstreamError{Op: "klines", StatusCode: resp.StatusCode(), Err: err}
	}
	if len(klines) == 0 {
		return nil, ErrEmptyResult
	}

	c.logger.WithFields(logrus.Fields{
		"symbol":      req.Symbol,
		"kline_count": len(klines),
	}).Debug("Successfully fetched klines")
	return klines, nil
}

// parseKlines decodes the array-of-arrays kline payload:
// [openTime, "open", "high", "low", "close", "volume", closeTime, ...].
func parseKlines(body []byte) ([]Kline, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to unmarshal klines: %w", err)
	}

	klines := make([]Kline, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			return nil, fmt.Errorf("kline row has %d fields", len(row))
		}

		var k Kline
		if err := json.Unmarshal(row[0], &k.OpenTime); err != nil {
			return nil, fmt.Errorf("invalid open time: %w", err)
		}
		if err := json.Unmarshal(row[6], &k.CloseTime); err != nil {
			return nil, fmt.Errorf("invalid close time: %w", err)
		}

		prices := []*float64{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume}
		for i, dst := range prices {
			var s string
			if err := json.Unmarshal(row[i+1], &s); err != nil {
				return nil, fmt.Errorf("invalid kline field %d: %w", i+1, err)
			}
			v, err := utils.ParseFloat(s)
			if err != nil {
				return nil, fmt.Errorf("invalid kline field %d: %w", i+1, err)
			}
			*dst = v
		}

		klines = append(klines, k)
	}

	return klines, nil
}
