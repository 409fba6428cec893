// Package opensearch indexes task history events as OpenSearch documents.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/taskboard/internal/history"
)

// Sink POSTs each event to <baseURL>/<index>/_doc. With Daily set the index
// gets a "-YYYY.MM.DD" suffix taken from the event time.
type Sink struct {
	client   *http.Client
	baseURL  string
	index    string
	user     string
	password string
	Daily    bool
}

func New(baseURL, index string) *Sink {
	return &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
	}
}

// WithBasicAuth sets credentials sent with every request.
func (s *Sink) WithBasicAuth(user, password string) *Sink {
	s.user, s.password = user, password
	return s
}

func (s *Sink) indexFor(e history.Event) string {
	if !s.Daily {
		return s.index
	}
	at := e.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	return s.index + "-" + at.UTC().Format("2006.01.02")
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_doc", s.baseURL, s.indexFor(e))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.user != "" {
		req.SetBasicAuth(s.user, s.password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch %s: status %d: %s", s.indexFor(e), resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
