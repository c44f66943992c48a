package binance

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyResult is returned when a klines query succeeds but yields no rows.
	ErrEmptyResult = errors.New("binance: empty result")

	ErrStreamClosed = errors.New("binance: stream closed")
)

// UpstreamError reports a failed REST call: either a transport error or a
// non-2xx response.
type UpstreamError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("binance %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("binance %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// ConnectionError reports a websocket dial or write failure.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("binance stream %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
