package sdk

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
)

// Watch is HTTP middleware that reports 5xx responses as workflow failure
// events. Requests that succeed pass through untouched; a server error is
// reported in the background after the response is written, so the caller
// never waits on FlowSentry.
//
// Usage with standard net/http:
//
//	mux := http.NewServeMux()
//	mux.Handle("/checkout/", sdk.Watch(client, "wf-checkout", checkoutHandler))
//
// Usage with Gorilla Mux:
//
//	router.Use(sdk.WatchFunc(client, "wf-api"))
func Watch(client *Client, workflowID string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if rec.status < http.StatusInternalServerError {
			return
		}
		report := EventReport{
			WorkflowID: workflowID,
			EventType:  "http.server_error",
			Payload: map[string]interface{}{
				"error_code": codeForStatus(rec.status),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     rec.status,
			},
		}
		go reportDetached(client, report)
	})
}

// WatchFunc returns Gorilla Mux compatible middleware.
func WatchFunc(client *Client, workflowID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return Watch(client, workflowID, next)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// WrapHTTPClient returns an http.Client whose failures feed the vendor
// breaker evidence stream. Use it for calls to external providers: a 5xx or
// transport error is reported as a failure attributed to the request's host,
// which counts toward opening that vendor's circuit breaker.
//
//	stripe := sdk.WrapHTTPClient(client, "wf-payments", http.DefaultClient)
//	resp, err := stripe.Post("https://api.stripe.com/v1/charges", ...)
func WrapHTTPClient(client *Client, workflowID string, wrapped *http.Client) *http.Client {
	return &http.Client{
		Timeout: wrapped.Timeout,
		Transport: &VendorTransport{
			Reporter:   client,
			WorkflowID: workflowID,
			Base:       wrapped.Transport,
		},
	}
}

// VendorTransport is the RoundTripper behind WrapHTTPClient, exported for
// callers that need to name vendors themselves or report recoveries.
type VendorTransport struct {
	Reporter   *Client
	WorkflowID string

	// VendorFor maps a request to the vendor name the service tracks.
	// Defaults to the request host.
	VendorFor func(*http.Request) string

	// ReportSuccesses also reports clean calls as vendor success evidence.
	// Off by default to keep report volume down; turn it on for the first
	// calls after an outage so a half-open breaker can close.
	ReportSuccesses bool

	Base http.RoundTripper
}

func (t *VendorTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	resp, err := base.RoundTrip(req)

	vendor := req.URL.Hostname()
	if t.VendorFor != nil {
		vendor = t.VendorFor(req)
	}
	if vendor == "" {
		return resp, err
	}

	switch {
	case err != nil:
		go reportDetached(t.Reporter, t.outcome("vendor.call_failed", vendor, req, map[string]interface{}{
			"error_code": codeForTransportError(err),
		}))
	case resp.StatusCode >= http.StatusInternalServerError:
		go reportDetached(t.Reporter, t.outcome("vendor.call_failed", vendor, req, map[string]interface{}{
			"error_code": codeForStatus(resp.StatusCode),
			"status":     resp.StatusCode,
		}))
	case t.ReportSuccesses:
		go reportDetached(t.Reporter, t.outcome("vendor.call_succeeded", vendor, req, nil))
	}

	return resp, err
}

func (t *VendorTransport) outcome(eventType, vendor string, req *http.Request, extra map[string]interface{}) EventReport {
	payload := map[string]interface{}{
		"vendor": vendor,
		"method": req.Method,
		"path":   req.URL.Path,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return EventReport{
		WorkflowID: t.WorkflowID,
		EventType:  eventType,
		Payload:    payload,
	}
}

// reportDetached delivers one report on its own deadline, decoupled from the
// request that triggered it. Failures are logged, never surfaced.
func reportDetached(client *Client, report EventReport) {
	ctx, cancel := context.WithTimeout(context.Background(), client.config.Timeout)
	defer cancel()

	if _, err := client.ReportEvent(ctx, report); err != nil {
		slog.Warn("flowsentry report dropped", "workflow", report.WorkflowID, "event_type", report.EventType, "err", err)
	}
}

// codeForStatus maps an HTTP status onto the canonical error codes the
// default rules ship with.
func codeForStatus(status int) string {
	switch status {
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return "timeout"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return "service_unavailable"
	default:
		return "internal_error"
	}
}

func codeForTransportError(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "connection_refused"
}
