package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/flowsentry/backend/internal/core"
)

// HTTPClassifier calls a remote analysis service. The request carries the
// incident and its recent events; the response must be a Result document.
// Callers wrap it in a Guard, so failures here may surface as plain errors.
type HTTPClassifier struct {
	endpoint   string
	httpClient *http.Client
}

func NewHTTPClassifier(endpoint string) *HTTPClassifier {
	return &HTTPClassifier{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type classifyRequest struct {
	Incident     *core.Incident `json:"incident"`
	RecentEvents []*core.Event  `json:"recent_events"`
}

func (c *HTTPClassifier) Classify(ctx context.Context, incident *core.Incident, recent []*core.Event) (*Result, error) {
	payload, err := json.Marshal(classifyRequest{Incident: incident, RecentEvents: recent})
	if err != nil {
		return nil, fmt.Errorf("marshal classify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Incident-ID", incident.ID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode classifier response: %w", err)
	}
	return &result, nil
}
