// Package identity talks to the GoTrue-compatible identity provider that
// owns student login accounts.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const userAgent = "coaching-identity/1.0"

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("identity provider returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("identity provider returned %d: %s", e.StatusCode, e.Message)
}

// restClient is a minimal JSON REST client.
type restClient struct {
	baseURL *url.URL
	apiKey  string
	client  *http.Client
}

func newRESTClient(baseURL *url.URL, apiKey string, cc *http.Client) *restClient {
	if cc == nil {
		cc = http.DefaultClient
	}
	return &restClient{baseURL: baseURL, apiKey: apiKey, client: cc}
}

// newRequest builds a request relative to the base URL. A non-nil body is
// JSON encoded.
func (c *restClient) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u, err := c.baseURL.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return nil, err
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var buf io.Reader
	if body != nil {
		b := new(bytes.Buffer)
		enc := json.NewEncoder(b)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(body); err != nil {
			return nil, err
		}
		buf = b
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), buf)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	return req, nil
}

// do sends the request and decodes a 2xx JSON body into v when v is non-nil.
func (c *restClient) do(req *http.Request, v any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	if v == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// errorMessage extracts the human readable part of a GoTrue error body.
func errorMessage(data []byte) string {
	var body struct {
		Msg              string `json:"msg"`
		Message          string `json:"message"`
		ErrorDescription string `json:"error_description"`
		Error            string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return strings.TrimSpace(string(data))
	}
	for _, candidate := range []string{body.Msg, body.Message, body.ErrorDescription, body.Error} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}
