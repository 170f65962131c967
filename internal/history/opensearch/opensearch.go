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

	"github.com/loykin/ollamad/internal/history"
)

// Sink indexes events into OpenSearch (or Elasticsearch) over the REST API.
// Lifecycle events go to index, samples to index+"-samples".
type Sink struct {
	client   *http.Client
	baseURL  string
	index    string
	username string
	password string
}

func New(baseURL, index string) *Sink {
	return &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
	}
}

// WithBasicAuth sets credentials sent with every request.
func (s *Sink) WithBasicAuth(username, password string) *Sink {
	s.username, s.password = username, password
	return s
}

// document is the indexed shape; @timestamp drives index patterns and dashboards.
type document struct {
	Timestamp time.Time         `json:"@timestamp"`
	Type      history.EventType `json:"type"`
	Name      string            `json:"name"`
	Record    *history.Record   `json:"record,omitempty"`
	Sample    *history.Sample   `json:"sample,omitempty"`
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	doc := document{Timestamp: e.OccurredAt.UTC(), Type: e.Type, Name: e.Record.Name}
	index := s.index
	if e.IsSample() {
		index += "-samples"
		doc.Sample = e.Sample
	} else {
		rec := e.Record
		doc.Record = &rec
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_doc", s.baseURL, index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch sink status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
