package plugin

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newClientFor 把客户端指向 httptest 服务
func newClientFor(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	c := New(Config{Host: u.Hostname(), Port: port})
	t.Cleanup(c.Close)
	return c
}

func TestPublishDeliversSnapshot(t *testing.T) {
	received := make(chan Snapshot, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/intercept", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		var s Snapshot
		require.NoError(t, json.NewDecoder(r.Body).Decode(&s))
		received <- s
	}))
	defer srv.Close()

	c := newClientFor(t, srv)
	c.Publish(Snapshot{
		FlowID: "f1",
		Paused: true,
		Request: RequestSnapshot{
			Method: "GET",
			URL:    "http://example.com/a",
		},
	})

	select {
	case s := <-received:
		require.Equal(t, "f1", s.FlowID)
		require.True(t, s.Paused)
		require.Equal(t, "GET", s.Request.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot never delivered")
	}
}

func TestPublishSwallowsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	c := newClientFor(t, srv)

	// 非 200 与连接失败都不能影响调用方
	c.Publish(Snapshot{FlowID: "f1"})
	srv.Close()
	c.Publish(Snapshot{FlowID: "f2"})
}

func TestLookupMockFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/mock-match", r.URL.Path)
		q := r.URL.Query()
		require.Equal(t, "GET", q.Get("method"))
		require.Equal(t, "example.com", q.Get("host"))
		require.Equal(t, "/api/users", q.Get("path"))
		require.Equal(t, "42", q.Get("query_id"))
		io.WriteString(w, `{"rule_id":"r1","rule_name":"users","status_code":404}`)
	}))
	defer srv.Close()

	c := newClientFor(t, srv)
	rule, ok := c.LookupMock("GET", "example.com", "/api/users", map[string]string{"id": "42"})
	require.True(t, ok)
	require.Contains(t, string(rule), `"rule_id":"r1"`)
}

func TestLookupMockMisses(t *testing.T) {
	t.Run("non-200", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, "{}")
		}))
		defer srv.Close()
		_, ok := newClientFor(t, srv).LookupMock("GET", "h", "/", nil)
		require.False(t, ok)
	})

	t.Run("empty body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		defer srv.Close()
		_, ok := newClientFor(t, srv).LookupMock("GET", "h", "/", nil)
		require.False(t, ok)
	})

	t.Run("empty object", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "{}")
		}))
		defer srv.Close()
		_, ok := newClientFor(t, srv).LookupMock("GET", "h", "/", nil)
		require.False(t, ok)
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()
		_, ok := newClientFor(t, srv).LookupMock("GET", "h", "/", nil)
		require.False(t, ok)
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(1500 * time.Millisecond)
		}))
		defer srv.Close()
		_, ok := newClientFor(t, srv).LookupMock("GET", "h", "/", nil)
		require.False(t, ok)
	})
}

func TestForwardMockMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.Equal(t, "POST", q.Get("method"))
		require.Equal(t, "http://example.com/a?b=1&c=2", q.Get("url"))
		io.WriteString(w, `{"rule_id":"r2"}`)
	}))
	defer srv.Close()

	body, ok := newClientFor(t, srv).ForwardMockMatch("POST", "http://example.com/a?b=1&c=2")
	require.True(t, ok)
	require.Contains(t, string(body), "r2")
}
