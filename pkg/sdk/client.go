// Package sdk provides the FlowSentry reporter for workflow services.
//
// This is the library a service embeds so that every workflow failure it
// sees lands in the FlowSentry pipeline, where it is deduplicated, grouped
// into an incident, and retried or escalated under the tenant's policy.
//
// Three integration patterns:
//
//  1. Direct: client.ReportFailure(ctx, "wf-payments", "timeout", ...) — one call per failure
//  2. Middleware: sdk.Watch(client, "wf-api", handler) — report 5xx responses automatically
//  3. Transport: sdk.WrapHTTPClient(client, "wf-payments", httpClient) — report vendor call outcomes
//
// Quick Start:
//
//	client := sdk.NewClient(sdk.Config{
//	    BaseURL:  "https://flowsentry.yourcompany.com",
//	    TenantID: "your-tenant-id",
//	    APIKey:   os.Getenv("FLOWSENTRY_API_KEY"),
//	})
//
//	res, err := client.ReportFailure(ctx, "wf-payments", "payment.failed", "timeout", "stripe")
//	if err == nil {
//	    log.Printf("reported, event %s", res.EventID)
//	}
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Config holds the reporter configuration.
type Config struct {
	// BaseURL is the FlowSentry endpoint (required)
	// Examples: "https://flowsentry.yourcompany.com", "http://localhost:8080"
	BaseURL string

	// TenantID identifies your organization (required)
	TenantID string

	// APIKey authenticates requests (required in production)
	APIKey string

	// Timeout for report calls (default 10s)
	Timeout time.Duration

	// OnRejected is called when the service refuses an event — rate limit,
	// kill switch, open vendor breaker. Useful for metering shed reports.
	OnRejected func(report *EventReport, apiErr *APIError)
}

// Client reports workflow events to FlowSentry. Safe for concurrent use.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a reporter client.
//
//	client := sdk.NewClient(sdk.Config{
//	    BaseURL:  "https://flowsentry.example.com",
//	    TenantID: "acme-corp",
//	    APIKey:   os.Getenv("FLOWSENTRY_API_KEY"),
//	})
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// ReportEvent submits one event through the ingestion gates. The tenant id
// comes from the config and an idempotency key is generated when the report
// carries none, so the same Report value can be retried safely.
//
// A rejection by the service comes back as *APIError; check Temporary() to
// decide whether to resubmit:
//
//	res, err := client.ReportEvent(ctx, sdk.EventReport{
//	    WorkflowID: "wf-payments",
//	    EventType:  "payment.failed",
//	    Payload:    map[string]interface{}{"error_code": "timeout", "vendor": "stripe"},
//	})
//	var apiErr *sdk.APIError
//	if errors.As(err, &apiErr) && !apiErr.Temporary() {
//	    // dropped by policy — do not resubmit
//	}
func (c *Client) ReportEvent(ctx context.Context, report EventReport) (*SubmitResult, error) {
	report.TenantID = c.config.TenantID
	if report.IdempotencyKey == "" {
		report.IdempotencyKey = uuid.NewString()
	}

	body, err := json.Marshal(&report)
	if err != nil {
		return nil, fmt.Errorf("flowsentry: marshal report: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/api/v1/events", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("flowsentry: build request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("flowsentry: submit failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := decodeError(resp)
		if c.config.OnRejected != nil {
			c.config.OnRejected(&report, apiErr)
		}
		return nil, apiErr
	}

	var result SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("flowsentry: parse response: %w", err)
	}
	return &result, nil
}

// ReportFailure is the one-line path for the common case: a workflow step
// failed with a known error code, optionally at a named vendor.
func (c *Client) ReportFailure(ctx context.Context, workflowID, eventType, errorCode, vendor string) (*SubmitResult, error) {
	payload := map[string]interface{}{"error_code": errorCode}
	if vendor != "" {
		payload["vendor"] = vendor
	}
	return c.ReportEvent(ctx, EventReport{
		WorkflowID: workflowID,
		EventType:  eventType,
		Payload:    payload,
	})
}

// ReportRecovery tells FlowSentry a vendor call succeeded again. Success
// evidence is what lets a half-open vendor breaker close, so emit one after
// the first clean call following an outage.
func (c *Client) ReportRecovery(ctx context.Context, workflowID, eventType, vendor string) (*SubmitResult, error) {
	return c.ReportEvent(ctx, EventReport{
		WorkflowID: workflowID,
		EventType:  eventType,
		Payload:    map[string]interface{}{"vendor": vendor},
	})
}

// OpenIncidents lists the tenant's incidents still being worked, newest
// activity first. An empty workflowID lists across all workflows.
func (c *Client) OpenIncidents(ctx context.Context, workflowID string) ([]*Incident, error) {
	q := url.Values{}
	if workflowID != "" {
		q.Set("workflow_id", workflowID)
	}
	endpoint := c.config.BaseURL + "/api/v1/incidents"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var out struct {
		Incidents []*Incident `json:"incidents"`
	}
	if err := c.get(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	open := out.Incidents[:0]
	for _, inc := range out.Incidents {
		if inc.Open() {
			open = append(open, inc)
		}
	}
	return open, nil
}

// Health checks the service is up and its backing stores answer. Use it to
// gate startup of anything that depends on reporting.
func (c *Client) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("flowsentry: build request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("flowsentry: health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("flowsentry: unhealthy (status %d)", resp.StatusCode)
	}
	return nil
}

// Incident fetches one incident by id.
func (c *Client) Incident(ctx context.Context, id string) (*Incident, error) {
	var out struct {
		Incident *Incident `json:"incident"`
	}
	if err := c.get(ctx, c.config.BaseURL+"/api/v1/incidents/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return out.Incident, nil
}

func (c *Client) get(ctx context.Context, endpoint string, into interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("flowsentry: build request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("flowsentry: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", c.config.TenantID)
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
}

// decodeError turns an error response into an APIError, inventing a minimal
// one when the body is not the structured envelope.
func decodeError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	apiErr := &APIError{HTTPStatus: resp.StatusCode}
	if json.Unmarshal(body, apiErr) != nil || apiErr.Code == "" {
		apiErr.Code = CodeInternal
		apiErr.Message = fmt.Sprintf("unexpected response (status %d)", resp.StatusCode)
	}
	return apiErr
}
