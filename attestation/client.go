package attestation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/omni/cctp-relayer/logging"
)

var (
	ErrTimeout           = errors.New("attestation polling timed out")
	ErrNotFound          = errors.New("attestation message not found")
	ErrMalformedResponse = errors.New("malformed attestation response")
	ErrUnexpectedStatus  = errors.New("unexpected attestation service status code")
	ErrInvalidPollConfig = errors.New("poll interval and timeout must be positive")
)

const maxResponseSize = 1 << 20

type Status string

const (
	StatusPending              Status = "pending"
	StatusPendingConfirmations Status = "pending_confirmations"
	StatusComplete             Status = "complete"
)

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusPendingConfirmations, StatusComplete:
		return true
	default:
		return false
	}
}

type Message struct {
	Status      Status `json:"status"`
	Message     string `json:"message"`
	Attestation string `json:"attestation"`
	EventNonce  string `json:"eventNonce,omitempty"`
}

type response struct {
	Messages []*Message `json:"messages"`
	Error    string     `json:"error,omitempty"`
}

// Attestation is a completed attestation ready to be submitted to the destination chain.
type Attestation struct {
	Message     hexutil.Bytes `json:"message"`
	Attestation hexutil.Bytes `json:"attestation"`
}

type Client struct {
	logger  logging.Logger
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string, requestTimeout time.Duration, logger logging.Logger) *Client {
	return &Client{
		logger:  logger.WithField("component", "attestation"),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: requestTimeout},
	}
}

// Fetch makes a single request for the attestation of the given burn transaction.
func (c *Client) Fetch(ctx context.Context, sourceDomain uint32, txHash string) (*Message, error) {
	url := fmt.Sprintf("%s/%d/%s", c.baseURL, sourceDomain, txHash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("can't build attestation request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	defer ObserveDuration()()
	resp, err := c.client.Do(req)
	if err != nil {
		ObserveResult("error")
		return nil, fmt.Errorf("can't request attestation: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		ObserveResult("error")
		return nil, fmt.Errorf("can't read attestation response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		ObserveResult("not_found")
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		ObserveResult(fmt.Sprintf("http_%d", resp.StatusCode))
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	msg, err := parseResponse(body)
	if err != nil {
		ObserveResult("malformed")
		return nil, err
	}
	ObserveResult(string(msg.Status))
	return msg, nil
}

func parseResponse(body []byte) (*Message, error) {
	var res response
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedResponse, err)
	}
	if len(res.Messages) == 0 {
		return nil, ErrNotFound
	}
	msg := res.Messages[0]
	if msg == nil || !msg.Status.valid() {
		return nil, fmt.Errorf("%w: unknown message status", ErrMalformedResponse)
	}
	if msg.Status != StatusComplete {
		return msg, nil
	}
	if err := requirePayload(msg.Message); err != nil {
		return nil, fmt.Errorf("%w: invalid message payload: %s", ErrMalformedResponse, err)
	}
	if err := requirePayload(msg.Attestation); err != nil {
		return nil, fmt.Errorf("%w: invalid attestation payload: %s", ErrMalformedResponse, err)
	}
	return msg, nil
}

func requirePayload(s string) error {
	data, err := hexutil.Decode(s)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("empty payload")
	}
	return nil
}

// Poll queries the attestation service every interval until the message is complete.
// Every failure is logged and retried until the timeout elapses, which yields ErrTimeout.
func (c *Client) Poll(ctx context.Context, sourceDomain uint32, txHash string, interval, timeout time.Duration) (*Attestation, error) {
	logger := c.logger.WithFields(logrus.Fields{
		"source_domain": sourceDomain,
		"tx_hash":       txHash,
	})
	if interval <= 0 || timeout <= 0 {
		return nil, fmt.Errorf("%w: interval %s, timeout %s", ErrInvalidPollConfig, interval, timeout)
	}
	backoff := retry.NewConstant(interval)

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var res *Attestation
	attempt := 0
	err := retry.Do(pollCtx, backoff, func(ctx context.Context) error {
		attempt++
		msg, err2 := c.Fetch(ctx, sourceDomain, txHash)
		switch {
		case errors.Is(err2, ErrNotFound):
			logger.WithField("attempt", attempt).Debug("attestation message is not indexed yet")
			return retry.RetryableError(err2)
		case err2 != nil:
			logger.WithError(err2).WithField("attempt", attempt).Warn("attestation request failed, retrying")
			return retry.RetryableError(err2)
		case msg.Status != StatusComplete:
			logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"status":  msg.Status,
			}).Debug("attestation is not ready yet")
			return retry.RetryableError(fmt.Errorf("attestation status %s", msg.Status))
		}
		res = &Attestation{
			Message:     hexutil.MustDecode(msg.Message),
			Attestation: hexutil.MustDecode(msg.Attestation),
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if pollCtx.Err() != nil {
			logger.WithField("attempts", attempt).Warn("attestation polling timed out")
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return nil, err
	}
	logger.WithField("attempts", attempt).Info("attestation is complete")
	return res, nil
}
