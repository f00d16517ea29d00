package collector

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/itohio/goctm/pkg/reading"
)

// Client talks to one meter's HTTP surface.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the meter at baseURL.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

func (c *Client) get(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", path, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(data))
	}
	// A drain already deleted what it sent, so partial bodies are still returned.
	if err != nil {
		return data, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// Drain collects every stored reading from the meter. The meter deletes them once sent.
// Whole records received before a truncated tail are returned along with the error.
func (c *Client) Drain(ctx context.Context) ([]reading.Record, error) {
	data, err := c.get(ctx, "/telemetry", nil)
	whole := len(data) / reading.RecordSize * reading.RecordSize
	recs, derr := reading.DecodeAll(data[:whole])
	if derr != nil {
		return nil, derr
	}
	if err != nil {
		return recs, err
	}
	if whole != len(data) {
		return recs, fmt.Errorf("telemetry: %d trailing bytes", len(data)-whole)
	}
	return recs, nil
}

// DrainPowerLoss collects the meter's boot timestamps in milliseconds.
func (c *Client) DrainPowerLoss(ctx context.Context) ([]uint64, error) {
	data, err := c.get(ctx, "/powerloss", nil)
	stamps := make([]uint64, 0, len(data)/8)
	for i := 0; i+8 <= len(data); i += 8 {
		stamps = append(stamps, binary.LittleEndian.Uint64(data[i:i+8]))
	}
	return stamps, err
}

// SetTime sets the meter clock.
func (c *Client) SetTime(ctx context.Context, ms uint64) error {
	var body [8]byte
	binary.LittleEndian.PutUint64(body[:], ms)
	_, err := c.get(ctx, "/time", body[:])
	return err
}

// SetToken provisions the meter access token.
func (c *Client) SetToken(ctx context.Context, token []byte) error {
	_, err := c.get(ctx, "/token", token)
	return err
}
