package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/appshell/internal/version"
)

func TestClientClassifiesSameOriginAsBasic(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Connection", "close")
		_, _ = w.Write([]byte("<html>shell</html>"))
	}))
	defer origin.Close()

	client := newTestClient(t, origin.URL)
	req, err := NewRequest(http.MethodGet, "/index.html", client.Origin())
	require.NoError(t, err)

	resp, err := client.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, TypeBasic, resp.Type)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Empty(t, resp.Header.Get("Connection"))

	body, err := resp.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "<html>shell</html>", string(body))
}

func TestClientCrossOriginModes(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	defer origin.Close()

	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/cors.js" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		_, _ = w.Write([]byte("cdn"))
	}))
	defer cdn.Close()

	client := newTestClient(t, origin.URL)

	testCases := []struct {
		name    string
		path    string
		mode    Mode
		want    Type
		wantErr error
	}{
		{"no-cors becomes opaque", "/plain.js", ModeNoCORS, TypeOpaque, nil},
		{"cors with allow origin", "/cors.js", ModeCORS, TypeCORS, nil},
		{"cors without allow origin", "/plain.js", ModeCORS, "", ErrCORS},
		{"same-origin rejects cross origin", "/plain.js", ModeSameOrigin, "", ErrCrossOrigin},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := NewRequest(http.MethodGet, cdn.URL+tc.path, nil)
			require.NoError(t, err)
			req.Mode = tc.mode

			resp, err := client.Fetch(context.Background(), req)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			defer resp.Close()
			assert.Equal(t, tc.want, resp.Type)
		})
	}
}

func TestClientRedirectToCrossOriginIsOpaque(t *testing.T) {
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("moved"))
	}))
	defer cdn.Close()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, cdn.URL+"/app.js", http.StatusFound)
	}))
	defer origin.Close()

	client := newTestClient(t, origin.URL)
	req, err := NewRequest(http.MethodGet, "/app.js", client.Origin())
	require.NoError(t, err)

	resp, err := client.Fetch(context.Background(), req)
	require.NoError(t, err)
	defer resp.Close()
	assert.Equal(t, TypeOpaque, resp.Type)
	assert.Equal(t, cdn.URL+"/app.js", resp.URL)
}

func TestClientNetworkFailure(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	originURL := origin.URL
	origin.Close()

	client := newTestClient(t, originURL)
	req, err := NewRequest(http.MethodGet, "/offline.js", client.Origin())
	require.NoError(t, err)

	_, err = client.Fetch(context.Background(), req)
	require.Error(t, err)
}

func TestNewClientRequiresAbsoluteOrigin(t *testing.T) {
	_, err := NewClient(ClientOptions{Origin: &url.URL{Path: "/relative"}})
	require.Error(t, err)
}

func TestNewClientUsesConfiguredTimeout(t *testing.T) {
	origin, _ := url.Parse("http://app.local")
	client, err := NewClient(ClientOptions{Origin: origin, Timeout: 45 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, client.http.Timeout)
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if _, exists := dst["Connection"]; exists {
		t.Fatalf("connection header should not be copied")
	}
	if _, exists := dst["Keep-Alive"]; exists {
		t.Fatalf("keep-alive header should not be copied")
	}
	if got := dst.Values("X-Test-Header"); len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
}

func newTestClient(t *testing.T, rawOrigin string) *Client {
	t.Helper()
	origin, err := url.Parse(rawOrigin)
	require.NoError(t, err)
	client, err := NewClient(ClientOptions{Origin: origin, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return client
}

func TestClientSetsDefaultUserAgent(t *testing.T) {
	agents := make(chan string, 2)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agents <- r.Header.Get("User-Agent")
	}))
	defer origin.Close()

	client := newTestClient(t, origin.URL)
	req, err := NewRequest(http.MethodGet, "/", client.Origin())
	require.NoError(t, err)
	resp, err := client.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, resp.Close())
	assert.Equal(t, version.UserAgent(), <-agents)

	req.Header.Set("User-Agent", "browser/1.0")
	resp, err = client.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, resp.Close())
	assert.Equal(t, "browser/1.0", <-agents)
}
