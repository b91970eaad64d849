package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/oetiker/go-acme-keyvault-renewer/pkg/app"
	"github.com/oetiker/go-acme-keyvault-renewer/pkg/common"
)

// Version information (this will be replaced during build)
var version = "local-version"

func main() {
	application := app.NewApplication(version)
	application.SetupFlags()
	if err := application.ParseFlags(); err != nil {
		handleApplicationError(err)
		os.Exit(2)
	}

	// A run that takes longer than this is stuck on an external service
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Minute)
	defer cancel()

	if err := application.Run(ctx); err != nil {
		handleApplicationError(err)
		os.Exit(1)
	}

	application.WaitForShutdown()
}

// handleApplicationError provides user-friendly error messages and debugging information
func handleApplicationError(err error) {
	appErr := common.GetApplicationError(err)
	if appErr == nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		fmt.Fprintf(os.Stderr, "\n💡 For more help, use -h flag or check the documentation.\n")
		return
	}

	fmt.Fprintf(os.Stderr, "❌ Application Error:\n")
	if appErr.Error() != err.Error() {
		fmt.Fprintf(os.Stderr, "%v\n\nFirst failure:\n", err)
	}
	fmt.Fprintf(os.Stderr, "%s\n", appErr.GetDetailedMessage())

	switch appErr.Type {
	case common.ErrorTypeConfig:
		fmt.Fprintf(os.Stderr, "\n🔧 Configuration Help:\n")
		fmt.Fprintf(os.Stderr, "   Use -print-config-template to see a valid template\n")
		fmt.Fprintf(os.Stderr, "   Secrets can be supplied as ACMEKV_* variables or with -env-file\n")
	case common.ErrorTypeNetwork:
		fmt.Fprintf(os.Stderr, "\n🌐 Network Help:\n")
		fmt.Fprintf(os.Stderr, "   Check firewall settings and proxy configuration\n")
		fmt.Fprintf(os.Stderr, "   Verify the ACME directory, Cloudflare API and Key Vault are reachable\n")
	case common.ErrorTypeAccount:
		fmt.Fprintf(os.Stderr, "\n👤 ACME Account Help:\n")
		fmt.Fprintf(os.Stderr, "   Check the zone email address and the acme.data_dir permissions\n")
		fmt.Fprintf(os.Stderr, "   Rate limits on the production CA reset after a while, try staging first\n")
	case common.ErrorTypeChallengePublish, common.ErrorTypeAmbiguousDNS, common.ErrorTypeDNS:
		fmt.Fprintf(os.Stderr, "\n🔍 DNS Help:\n")
		fmt.Fprintf(os.Stderr, "   Check that the Cloudflare token may edit DNS records of the zone\n")
		fmt.Fprintf(os.Stderr, "   Remove duplicate _acme-challenge TXT records in the Cloudflare dashboard\n")
	case common.ErrorTypeChallengeValidation, common.ErrorTypeChallengeTimeout:
		fmt.Fprintf(os.Stderr, "\n🔍 Challenge Help:\n")
		fmt.Fprintf(os.Stderr, "   Use 'dig TXT _acme-challenge.<domain>' to verify the record is public\n")
		fmt.Fprintf(os.Stderr, "   Enable cloudflare.propagation_check to wait for the record before validation\n")
	case common.ErrorTypeImport:
		fmt.Fprintf(os.Stderr, "\n🔐 Key Vault Help:\n")
		fmt.Fprintf(os.Stderr, "   The identity needs the certificates import permission on the vault\n")
		fmt.Fprintf(os.Stderr, "   With archive_dir set, retry later with -import-pending\n")
	case common.ErrorTypeValidation:
		fmt.Fprintf(os.Stderr, "\n✅ Validation Help:\n")
		fmt.Fprintf(os.Stderr, "   Check command line arguments and flags\n")
		fmt.Fprintf(os.Stderr, "   Use -h for usage information\n")
	}

	fmt.Fprintf(os.Stderr, "\n💡 For more help, use -h flag or check the documentation.\n")
}
