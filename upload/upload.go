// Package upload pushes chat attachments to the media hosting service
// and returns their public URL.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// DefaultTimeout bounds one upload round trip.
const DefaultTimeout = 30 * time.Second

// ErrUpload is returned when the hosting service rejects the upload.
var ErrUpload = errors.New("upload failed")

// Config defines the configuration for the upload client.
type Config struct {
	Endpoint string        // hosting service upload URL
	Preset   string        // unsigned upload preset name
	Timeout  time.Duration // round trip timeout
}

// Client uploads files to the media hosting service.
type Client struct {
	config Config
	http   *http.Client
}

// New creates a new upload client.
func New(config Config) *Client {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
	}
}

// Upload sends one file and returns its public URL.
func (c *Client) Upload(ctx context.Context, name string, content io.Reader) (string, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("build form: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	if c.config.Preset != "" {
		if err := form.WriteField("upload_preset", c.config.Preset); err != nil {
			return "", fmt.Errorf("build form: %w", err)
		}
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("send %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("status %d: %w", resp.StatusCode, ErrUpload)
	}

	var result struct {
		SecureURL string `json:"secure_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if result.SecureURL == "" {
		return "", fmt.Errorf("response missing secure_url: %w", ErrUpload)
	}
	return result.SecureURL, nil
}
