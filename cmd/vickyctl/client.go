package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fatih/color"
)

// apiClient wraps a bearer-authenticated HTTP client against a single
// Vicky server.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient() (*apiClient, error) {
	if ctx.vickyURL == "" {
		return nil, fmt.Errorf("no Vicky server URL configured (use --vicky-url, VICKY_URL, or `vickyctl account login`)")
	}
	if ctx.token == "" {
		return nil, fmt.Errorf("no bearer token configured (use --vicky-token, VICKY_TOKEN, or `vickyctl account login`)")
	}
	return &apiClient{
		baseURL: ctx.vickyURL,
		token:   ctx.token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// do issues method against path (relative to the server's base URL) with
// an optional JSON body, returning the raw response body and status. A
// non-2xx status is not itself treated as an error here; callers decide
// how to present it, keeping transport failures and HTTP-level failures
// distinguishable.
func (c *apiClient) do(method, path string, body any) (int, []byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+"/"+path, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, data, nil
}

// printHTTP prefixes msg with a color-coded status: green for 2xx,
// yellow for 3xx, red for everything else including transport failures
// (status == 0).
func printHTTP(status int, msg string) {
	var prefix string
	switch {
	case status == 0:
		prefix = color.New(color.Bold, color.FgRed).Sprint("HTTP Send Error")
	case status >= 200 && status < 300:
		prefix = color.New(color.Bold, color.FgHiGreen).Sprint(status)
	case status >= 300 && status < 400:
		prefix = color.New(color.Bold, color.FgYellow).Sprint(status)
	default:
		prefix = color.New(color.Bold, color.FgHiRed).Sprint(status)
	}
	fmt.Printf("[ %s ] %s\n", prefix, msg)
}

// printResponse pretty-prints a JSON response body, either as compact
// JSON (the default, scriptable output) or re-indented when --humanize
// is set.
func printResponse(body []byte) error {
	if !ctx.humanize {
		fmt.Println(string(bytes.TrimSpace(body)))
		return nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("decode response as JSON: %w", err)
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}

func errorStatus(status int) error {
	return fmt.Errorf("server returned HTTP %d", status)
}
