package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Remote cache API paths.
const (
	PathDiff      = "/api/v0/remote-cache/get-diff"
	PathMany      = "/api/v0/remote-cache/many"
	PathGetMany   = "/api/v0/remote-cache/get-many"
	PathDeleteAll = "/api/v0/remote-cache/delete-all"
)

// KeysRequest carries fingerprints.
type KeysRequest struct {
	Keys []string `json:"keys"`
}

// DiffResponse is the server's answer to a diff request.
type DiffResponse struct {
	ClientMissing []Entry  `json:"client_missing_cacheentries"`
	ServerMissing []string `json:"server_missing_cacheentry_keys"`
}

// EntriesBody carries cache entries.
type EntriesBody struct {
	Entries []Entry `json:"entries"`
}

// CountResponse reports how many entries an operation touched.
type CountResponse struct {
	Count int `json:"count"`
}

// RemoteClient talks to a remote cache server.
type RemoteClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewRemoteClient creates a client for baseURL authenticating with token.
func NewRemoteClient(baseURL, token string) *RemoteClient {
	return &RemoteClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Diff sends the local keys and returns what each side lacks.
func (c *RemoteClient) Diff(ctx context.Context, keys []string) (DiffResponse, error) {
	var out DiffResponse
	if keys == nil {
		keys = []string{}
	}
	err := c.do(ctx, http.MethodPost, PathDiff, KeysRequest{Keys: keys}, &out)
	return out, err
}

// Push uploads entries and returns how many the server stored.
func (c *RemoteClient) Push(ctx context.Context, entries []Entry) (int, error) {
	var out CountResponse
	err := c.do(ctx, http.MethodPost, PathMany, EntriesBody{Entries: entries}, &out)
	return out.Count, err
}

// GetMany fetches the entries the server has among keys.
func (c *RemoteClient) GetMany(ctx context.Context, keys []string) ([]Entry, error) {
	var out EntriesBody
	err := c.do(ctx, http.MethodPost, PathGetMany, KeysRequest{Keys: keys}, &out)
	return out.Entries, err
}

// DeleteAll removes every entry on the server.
func (c *RemoteClient) DeleteAll(ctx context.Context) (int, error) {
	var out CountResponse
	err := c.do(ctx, http.MethodDelete, PathDeleteAll, nil, &out)
	return out.Count, err
}

func (c *RemoteClient) do(ctx context.Context, method, path string, body, v any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("remote cache not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("remote cache returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		return fmt.Errorf("remote cache returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
