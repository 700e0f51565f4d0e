package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"intent-registry/internal/intent"
)

// ErrUnavailable is returned when the registry reports its storage unavailable.
var ErrUnavailable = errors.New("registry unavailable")

// APIError is a non-success reply without a record attached.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("registry api error (%d %s): %s", e.Status, e.Code, e.Message)
}

// Is maps 503 replies onto ErrUnavailable.
func (e *APIError) Is(target error) bool {
	return target == ErrUnavailable && e.Status == http.StatusServiceUnavailable
}

// Client talks to a running registry.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient constructs a registry client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Submit posts signed. Accepted and rejected submissions both return the
// record; the error is reserved for transport and server failures.
func (c *Client) Submit(ctx context.Context, signed intent.SignedIntent) (RecordResponse, error) {
	body, err := json.Marshal(NewIntentRequest(signed))
	if err != nil {
		return RecordResponse{}, err
	}

	var rec RecordResponse
	status, err := c.do(ctx, http.MethodPost, "/v1/intents", body, &rec)
	if err != nil {
		return RecordResponse{}, err
	}
	switch status {
	case http.StatusCreated, http.StatusConflict, http.StatusUnprocessableEntity:
		return rec, nil
	default:
		return RecordResponse{}, fmt.Errorf("unexpected status %d", status)
	}
}

// GetRecord fetches a record by id.
func (c *Client) GetRecord(ctx context.Context, id uuid.UUID) (RecordResponse, error) {
	var rec RecordResponse
	if _, err := c.do(ctx, http.MethodGet, "/v1/records/"+id.String(), nil, &rec); err != nil {
		return RecordResponse{}, err
	}
	return rec, nil
}

// History lists the newest records of signer.
func (c *Client) History(ctx context.Context, signer common.Address, limit int) ([]RecordResponse, error) {
	path := "/v1/signers/" + signer.Hex() + "/records"
	if limit > 0 {
		path += "?" + url.Values{"limit": []string{strconv.Itoa(limit)}}.Encode()
	}
	var recs []RecordResponse
	if _, err := c.do(ctx, http.MethodGet, path, nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *Error          `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return resp.StatusCode, &APIError{Status: resp.StatusCode, Code: ErrCodeInternal, Message: strings.TrimSpace(string(payload))}
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		apiErr := &APIError{Status: resp.StatusCode}
		if envelope.Error != nil {
			apiErr.Code, apiErr.Message = envelope.Error.Code, envelope.Error.Message
		}
		return resp.StatusCode, apiErr
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response data: %w", err)
	}
	return resp.StatusCode, nil
}
