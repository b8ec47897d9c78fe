package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHeaderCaseInsensitive(t *testing.T) {
	h := make(Header)
	h.Set("Content-Type", "application/json")
	require.Equal(t, "application/json", h.Get("content-type"))
	require.Equal(t, "application/json", h.Get("CONTENT-TYPE"))

	h.Set("CONTENT-TYPE", "text/plain")
	require.Equal(t, "text/plain", h.Get("Content-Type"))
	require.Len(t, h, 1)

	h.Del("content-TYPE")
	require.Equal(t, "", h.Get("Content-Type"))

	var nilHeader Header
	require.Equal(t, "", nilHeader.Get("anything"))
}

func TestDuration(t *testing.T) {
	f := New("f1")
	f.StartedAt = time.Now()
	require.Equal(t, 0.0, f.Duration())

	f.Response = NewResponse()
	f.EndedAt = f.StartedAt.Add(250 * time.Millisecond)
	require.InDelta(t, 0.25, f.Duration(), 0.001)
}
