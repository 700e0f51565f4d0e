package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const pinFilePath = "/pinning/pinFileToIPFS"

// ErrNotConfigured is returned when a publisher lacks credentials or endpoints.
var ErrNotConfigured = errors.New("publisher not configured")

// Pinner stores content on IPFS and returns its CID.
type Pinner interface {
	Pin(ctx context.Context, name string, content []byte) (string, error)
}

// PinataOptions parameterise the Pinata pinner.
type PinataOptions struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

// Pinata pins files through the Pinata pinning API.
type Pinata struct {
	opts    PinataOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewPinata constructs a Pinata pinner.
func NewPinata(opts PinataOptions, logger zerolog.Logger) *Pinata {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.pinata.cloud"
	}

	return &Pinata{
		opts:    opts,
		logger:  logger.With().Str("component", "pinata").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Pin uploads content as a file named name and returns the CIDv1.
func (p *Pinata) Pin(ctx context.Context, name string, content []byte) (string, error) {
	if p.opts.APIKey == "" || p.opts.APISecret == "" {
		return "", fmt.Errorf("%w: missing pinata credentials", ErrNotConfigured)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	metadata, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return "", err
	}
	if err := writer.WriteField("pinataMetadata", string(metadata)); err != nil {
		return "", err
	}
	if err := writer.WriteField("pinataOptions", `{"cidVersion":1}`); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+pinFilePath, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("pinata_api_key", p.opts.APIKey)
	req.Header.Set("pinata_secret_api_key", p.opts.APISecret)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send pinata request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", parsePinataError(resp.StatusCode, payload)
	}

	var result struct {
		IpfsHash string `json:"IpfsHash"`
		PinSize  int64  `json:"PinSize"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return "", fmt.Errorf("decode pinata response: %w", err)
	}
	if result.IpfsHash == "" {
		return "", errors.New("pinata response missing IpfsHash")
	}

	p.logger.Info().Str("name", name).Str("cid", result.IpfsHash).Int64("size", result.PinSize).Msg("batch pinned")
	return result.IpfsHash, nil
}

func parsePinataError(status int, payload []byte) error {
	var apiErr struct {
		Error struct {
			Reason  string `json:"reason"`
			Details string `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error.Details != "" {
			return fmt.Errorf("pinata api error (%d): %s", status, apiErr.Error.Details)
		}
		if apiErr.Error.Reason != "" {
			return fmt.Errorf("pinata api error (%d): %s", status, apiErr.Error.Reason)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("pinata api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("pinata api error (%d)", status)
}

var _ Pinner = (*Pinata)(nil)
