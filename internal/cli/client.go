package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"atelier/internal/gateway/handlers"
)

// APIError is a non-2xx gateway reply.
type APIError struct {
	Status  int
	Code    string
	Message string
	Body    []byte
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway returned %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.Status, strings.TrimSpace(string(e.Body)))
}

// gatewayClient talks to a running gateway's REST API.
type gatewayClient struct {
	baseURL string
	http    *http.Client
}

func newGatewayClient(baseURL string) *gatewayClient {
	return &gatewayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// do sends body as JSON and decodes a 2xx reply into out. A non-2xx reply is
// returned as *APIError; its body is also decoded into out when possible.
func (c *gatewayClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to gateway: %w\nIs it running? Start it with: atelier serve", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Body: data}
		var er handlers.ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error.Code != "" {
			apiErr.Code = er.Error.Code
			apiErr.Message = er.Error.Message
		} else if out != nil {
			_ = json.Unmarshal(data, out)
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func isStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}
