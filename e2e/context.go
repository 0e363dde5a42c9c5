package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const runPlaceholder = "{run}"

// TestContext carries HTTP state across the steps of one scenario.
type TestContext struct {
	BaseURL    string
	HTTPClient *http.Client

	run          string
	lastStatus   int
	lastResponse map[string]any
	contacts     map[string]int64
}

// NewTestContext targets LINKAGE_BASE_URL, or a local server by default.
func NewTestContext() *TestContext {
	baseURL := os.Getenv("LINKAGE_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:3000"
	}
	return &TestContext{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Reset gives each scenario a fresh run token so scenarios never share
// contacts on a long-lived server.
func (tc *TestContext) Reset() {
	tc.run = strconv.FormatInt(time.Now().UnixNano(), 10)
	tc.lastStatus = 0
	tc.lastResponse = nil
	tc.contacts = make(map[string]int64)
}

// Unique replaces {run} in value with the scenario's run token.
func (tc *TestContext) Unique(value string) string {
	return strings.ReplaceAll(value, runPlaceholder, tc.run)
}

func (tc *TestContext) POST(path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, tc.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return tc.do(req)
}

func (tc *TestContext) GET(path string) error {
	req, err := http.NewRequest(http.MethodGet, tc.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return tc.do(req)
}

func (tc *TestContext) do(req *http.Request) error {
	resp, err := tc.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	tc.lastStatus = resp.StatusCode
	tc.lastResponse = nil
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &tc.lastResponse); err != nil {
			return fmt.Errorf("decode response %q: %w", raw, err)
		}
	}
	return nil
}

func (tc *TestContext) GetLastStatusCode() int {
	return tc.lastStatus
}

// GetResponseField returns a top-level field of the last JSON response.
func (tc *TestContext) GetResponseField(field string) (any, error) {
	v, ok := tc.lastResponse[field]
	if !ok {
		return nil, fmt.Errorf("response has no field %q", field)
	}
	return v, nil
}

func (tc *TestContext) RememberContact(alias string, id int64) {
	tc.contacts[alias] = id
}

func (tc *TestContext) Contact(alias string) (int64, error) {
	id, ok := tc.contacts[alias]
	if !ok {
		return 0, fmt.Errorf("no contact remembered as %q", alias)
	}
	return id, nil
}
