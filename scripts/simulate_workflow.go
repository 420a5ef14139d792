package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/flowsentry/backend/pkg/sdk"
)

// Drives a short failure storm against a running FlowSentry instance and
// shows the incident it folds into. Expects the demo tenant and workflow
// from scripts/seed_demo.sql (or any seeded tenant passed via flags).
func main() {
	baseURL := flag.String("url", "http://localhost:8080", "FlowSentry base URL")
	tenant := flag.String("tenant", "demo-tenant", "tenant id")
	workflow := flag.String("workflow", "wf-payments", "workflow id")
	flag.Parse()

	client := sdk.NewClient(sdk.Config{
		BaseURL:  *baseURL,
		TenantID: *tenant,
	})
	ctx := context.Background()

	fmt.Println("🤖 Workflow Simulator: payment pipeline")
	fmt.Printf("📡 Reporting to %s as tenant %s...\n", *baseURL, *tenant)

	// 1. Three timeouts at the same vendor fold into one incident.
	for i := 1; i <= 3; i++ {
		res, err := client.ReportFailure(ctx, *workflow, "payment.failed", "timeout", "stripe")
		if err != nil {
			log.Fatalf("❌ Report %d rejected: %v", i, err)
		}
		fmt.Printf("📤 Failure %d reported (event %s)\n", i, res.EventID)
		time.Sleep(200 * time.Millisecond)
	}

	// 2. Detection runs async behind the ingest answer; give it a beat.
	time.Sleep(1 * time.Second)

	incidents, err := client.OpenIncidents(ctx, *workflow)
	if err != nil {
		log.Fatalf("❌ Incident lookup failed: %v", err)
	}
	if len(incidents) == 0 {
		log.Fatal("❌ No open incident — is the tenant seeded and active?")
	}

	inc := incidents[0]
	fmt.Printf("\n🔥 Incident %s\n", inc.ID)
	fmt.Printf("   signature: %s\n", inc.Signature)
	fmt.Printf("   severity:  %s   status: %s\n", inc.Severity, inc.Status)
	fmt.Printf("   events:    %d (first %s, last %s)\n",
		inc.EventCount,
		inc.FirstSeenAt.Format(time.RFC3339),
		inc.LastSeenAt.Format(time.RFC3339))

	// 3. A recovery report is the success evidence a half-open breaker needs.
	if _, err := client.ReportRecovery(ctx, *workflow, "payment.succeeded", "stripe"); err != nil {
		log.Fatalf("❌ Recovery report rejected: %v", err)
	}
	fmt.Println("\n✅ Recovery reported — vendor evidence recorded.")
	fmt.Printf("   Watch the incident: %s/api/v1/incidents/%s\n", *baseURL, inc.ID)
}
