package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zxh0305/wegent/pkg/models"
)

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	app, err := NewApp(context.Background(), ServerOptions{
		Home:   t.TempDir(),
		Addr:   "127.0.0.1:0",
		APIKey: "sekret",
	})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ts := httptest.NewServer(app.Server.Handler)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = app.Store.Close() })

	// Health is exempt from auth.
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /health: %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/bots")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("GET /bots without key: %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/bots", nil)
	req.Header.Set("X-API-Key", "sekret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /bots with header key: %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/bots?api_key=sekret")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /bots with query key: %d", resp.StatusCode)
	}
}

func TestBodyLimit(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	big := strings.Repeat("x", models.DefaultMaxRequestBodyBytes+1)
	resp, err := http.Post(ts.URL+"/bots", "application/json", strings.NewReader(`{"name":"`+big+`"}`))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized POST: %d", resp.StatusCode)
	}
}

func TestConfigRoute(t *testing.T) {
	t.Parallel()
	app, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/config")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /config: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	var buf strings.Builder
	b := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(b)
		buf.Write(b[:n])
		if err != nil {
			break
		}
	}
	if !strings.Contains(buf.String(), app.Home) {
		t.Fatalf("config body missing home: %s", buf.String())
	}
}
