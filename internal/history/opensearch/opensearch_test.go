package opensearch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/sessionr/internal/history"
)

type captured struct {
	method, path string
	body         []byte
}

func capture(t *testing.T, status int) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.method, c.path = r.Method, r.URL.Path
		c.body, _ = io.ReadAll(r.Body)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	t.Cleanup(ts.Close)
	return ts, c
}

func TestSendFlattensRecord(t *testing.T) {
	ts, got := capture(t, http.StatusCreated)
	at := time.Date(2025, 3, 1, 8, 30, 0, 0, time.UTC)
	code := 1
	err := New(ts.URL, "sessionr-history").Send(context.Background(), history.Event{
		Type:       history.EventFailure,
		OccurredAt: at,
		Record:     history.Record{Session: "1740817800", Node: "panel.service", PID: 12345, From: "running", Phase: "failed", ExitCode: &code, Restarts: 2},
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/sessionr-history/_doc", got.path)
	var doc map[string]any
	require.NoError(t, gojson.Unmarshal(got.body, &doc))
	assert.Equal(t, "2025-03-01T08:30:00Z", doc["@timestamp"])
	assert.Equal(t, "failure", doc["type"])
	assert.Equal(t, "panel.service", doc["node"])
	assert.Equal(t, "1740817800", doc["session"])
	assert.EqualValues(t, 12345, doc["pid"])
	assert.EqualValues(t, 1, doc["exit_code"])
	assert.EqualValues(t, 2, doc["restarts"])
	assert.NotContains(t, doc, "record")
}

func TestSendReportsStatus(t *testing.T) {
	ts, _ := capture(t, http.StatusBadRequest)
	err := New(ts.URL+"/", "events").Send(context.Background(), history.Event{Type: history.EventStart, Record: history.Record{Node: "x.service"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opensearch sink status 400")
	assert.Contains(t, err.Error(), "created")
}

func TestTrailingSlash(t *testing.T) {
	ts, got := capture(t, http.StatusCreated)
	require.NoError(t, New(ts.URL+"/", "events").Send(context.Background(), history.Event{Type: history.EventStart}))
	assert.Equal(t, "/events/_doc", got.path)
}
