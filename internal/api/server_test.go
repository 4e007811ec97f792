package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/panel/internal/cache"
	"github.com/kalambet/panel/internal/storage"
)

const testToken = "secret-token"

func testEntry(user, output string) cache.Entry {
	req := cache.Request{
		Model:  "test/canned",
		Params: map[string]any{"temperature": 0.5},
		System: "You are answering questions.",
		User:   user,
	}
	e := req.Entry(output)
	e.CreatedAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return e
}

func newTestServer(t *testing.T, store cache.Store) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewCacheHandler(CacheDeps{Store: store, Token: testToken}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t, cache.NewMemoryStore())

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestBearerAuth(t *testing.T) {
	srv := newTestServer(t, cache.NewMemoryStore())

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong token", "Bearer nope"},
		{"wrong scheme", "Basic " + testToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodDelete, srv.URL+cache.PathDeleteAll, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", resp.StatusCode)
			}
			var body struct {
				Error struct {
					Type string `json:"type"`
				} `json:"error"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.Error.Type != "authentication_error" {
				t.Errorf("error type = %q", body.Error.Type)
			}
		})
	}
}

func TestBearerAuth_EmptyTokenRejects(t *testing.T) {
	h := BearerAuth("")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestSyncRoundTrip(t *testing.T) {
	ctx := context.Background()

	server, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { server.Close() })

	shared := testEntry("Q shared", "both")
	onServer := testEntry("Q server", "from server")
	onClient := testEntry("Q client", "from client")
	if _, err := server.PutMany(ctx, []cache.Entry{shared, onServer}); err != nil {
		t.Fatal(err)
	}

	local := cache.NewMemoryStore()
	if _, err := local.PutMany(ctx, []cache.Entry{shared, onClient}); err != nil {
		t.Fatal(err)
	}

	srv := newTestServer(t, server)
	remote := cache.NewRemoteClient(srv.URL+"/", testToken)

	rep, err := cache.Sync(ctx, local, remote)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if rep.LocalKeys != 2 || rep.Downloaded != 1 || rep.Uploaded != 1 {
		t.Errorf("report = %+v, want 2 local, 1 down, 1 up", rep)
	}

	got, err := local.Get(ctx, onServer.Key)
	if err != nil {
		t.Fatalf("downloaded entry missing: %v", err)
	}
	if got.Output != "from server" || !got.CreatedAt.Equal(onServer.CreatedAt) {
		t.Errorf("downloaded entry = %+v", got)
	}
	if _, err := server.Get(ctx, onClient.Key); err != nil {
		t.Errorf("uploaded entry missing on server: %v", err)
	}

	// A second sync has nothing to exchange.
	rep, err = cache.Sync(ctx, local, remote)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Downloaded != 0 || rep.Uploaded != 0 {
		t.Errorf("second sync = %+v", rep)
	}

	entries, err := remote.GetMany(ctx, []string{shared.Key, "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Output != "both" {
		t.Errorf("GetMany = %+v", entries)
	}

	n, err := remote.DeleteAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("deleted %d, want 3", n)
	}
	if left, _ := server.Len(ctx); left != 0 {
		t.Errorf("server still has %d entries", left)
	}
}

func TestPushCountsOnlyNewEntries(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	existing := testEntry("Q1", "kept")
	if err := store.Put(ctx, existing); err != nil {
		t.Fatal(err)
	}

	remote := cache.NewRemoteClient(newTestServer(t, store).URL, testToken)
	changed := existing
	changed.Output = "overwritten?"
	n, err := remote.Push(ctx, []cache.Entry{changed, testEntry("Q2", "new")})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
	got, _ := store.Get(ctx, existing.Key)
	if got.Output != "kept" {
		t.Errorf("existing entry output = %q, want first write kept", got.Output)
	}
}

func TestConcurrentPushesCountEachEntryOnce(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	remote := cache.NewRemoteClient(newTestServer(t, store).URL, testToken)

	var batch []cache.Entry
	for i := range 20 {
		batch = append(batch, testEntry(fmt.Sprintf("Q%d", i), "a"))
	}

	const pushers = 8
	counts := make(chan int, pushers)
	var wg sync.WaitGroup
	for range pushers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := remote.Push(ctx, batch)
			if err != nil {
				t.Error(err)
			}
			counts <- n
		}()
	}
	wg.Wait()
	close(counts)

	total := 0
	for n := range counts {
		total += n
	}
	if total != len(batch) {
		t.Errorf("pushes reported %d added in total, want %d", total, len(batch))
	}
}

func TestPutManyRejectsBadBodies(t *testing.T) {
	srv := newTestServer(t, cache.NewMemoryStore())

	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"entry without key", `{"entries":[{"output":"x"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, srv.URL+cache.PathMany, strings.NewReader(tt.body))
			req.Header.Set("Authorization", "Bearer "+testToken)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestRemoteClient_Unauthorized(t *testing.T) {
	srv := newTestServer(t, cache.NewMemoryStore())
	remote := cache.NewRemoteClient(srv.URL, "wrong")

	_, err := cache.Sync(context.Background(), cache.NewMemoryStore(), remote)
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v, want a 401 error", err)
	}
}
