// Package opensearch indexes history events as flat documents.
package opensearch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/loykin/sessionr/internal/history"
)

// document is the indexed form of an event. Record fields are lifted to the
// top level so dashboards can filter on node and phase directly.
type document struct {
	Timestamp time.Time         `json:"@timestamp"`
	Type      history.EventType `json:"type"`
	history.Record
}

// Sink POSTs each event to {baseURL}/{index}/_doc.
type Sink struct {
	client *http.Client
	docURL string
}

func New(baseURL, index string) *Sink {
	return &Sink{
		client: &http.Client{Timeout: 5 * time.Second},
		docURL: strings.TrimRight(baseURL, "/") + "/" + index + "/_doc",
	}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := gojson.Marshal(document{Timestamp: e.OccurredAt, Type: e.Type, Record: e.Record})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.docURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch sink status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
