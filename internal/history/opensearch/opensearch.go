// Package opensearch indexes unit transitions into OpenSearch or
// Elasticsearch over the plain document API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/unitd/internal/history"
)

// Sink writes one document per event into a daily index
// "<index>-YYYY.MM.DD". Document ids are derived from the event, so a
// resent event overwrites itself instead of duplicating.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	return &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
	}
}

// DocID identifies e within its index.
func DocID(e history.Event) string {
	return e.Unit + "@" + strconv.FormatInt(e.OccurredAt.UnixNano(), 10) + "-" + e.To
}

func (s *Sink) indexFor(e history.Event) string {
	return s.index + "-" + e.OccurredAt.UTC().Format("2006.01.02")
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("opensearch: encode event: %w", err)
	}
	u := fmt.Sprintf("%s/%s/_doc/%s", s.baseURL, s.indexFor(e), url.PathEscape(DocID(e)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
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
		return fmt.Errorf("opensearch: %s: status %d: %s", e.Unit, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
