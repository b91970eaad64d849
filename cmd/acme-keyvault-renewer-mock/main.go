//go:build testutils
// +build testutils

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/oetiker/go-acme-keyvault-renewer/pkg/app"
	"github.com/oetiker/go-acme-keyvault-renewer/pkg/common"
	"github.com/oetiker/go-acme-keyvault-renewer/pkg/manager/test_helpers"
)

// Version information (this will be replaced during build)
var version = "mock-version"

// main runs the renewer against an in-memory CA, DNS provider and secret store
func main() {
	fmt.Println("🧪 Starting acme-keyvault-renewer MOCK VERSION")
	fmt.Println("📡 ACME, Cloudflare and Key Vault are simulated - no real network calls!")

	application := app.NewApplication(version)
	application.SetupFlags()
	if err := application.ParseFlags(); err != nil {
		handleApplicationError(err)
		os.Exit(2)
	}

	acme := test_helpers.NewFakeACME()
	records := test_helpers.NewFakeRecordStore()
	store := test_helpers.NewFakeSecretStore()
	application.UseMockBackends(&app.Backends{ACME: acme, Records: records, Store: store})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	fmt.Println("🎯 Running application with mock infrastructure...")
	if err := application.Run(ctx); err != nil {
		handleApplicationError(err)
		os.Exit(1)
	}

	fmt.Printf("📍 Orders: %d, TXT upserts: %d, imports: %d\n",
		len(acme.OrderedDomains), records.UpsertCount(), store.ImportCount())
	fmt.Println("✅ Mock application completed successfully!")

	application.WaitForShutdown()
}

// handleApplicationError prints the structured error of a mock run
func handleApplicationError(err error) {
	if appErr := common.GetApplicationError(err); appErr != nil {
		fmt.Fprintf(os.Stderr, "❌ Mock Application Error:\n")
		fmt.Fprintf(os.Stderr, "%s\n", appErr.GetDetailedMessage())
		if appErr.Type == common.ErrorTypeConfig {
			fmt.Fprintf(os.Stderr, "\n🔧 Configuration Help (Mock Mode):\n")
			fmt.Fprintf(os.Stderr, "   Secrets are still required, any non-empty value works\n")
		}
	} else {
		fmt.Fprintf(os.Stderr, "Mock application error: %v\n", err)
	}
	fmt.Fprintf(os.Stderr, "🧪 Remember: This is the MOCK version - all operations are simulated!\n")
}
