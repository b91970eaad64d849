//go:build testutils
// +build testutils

package app

import (
	"fmt"
	"time"

	"github.com/oetiker/go-acme-keyvault-renewer/pkg/manager"
)

// mockBackends replaces the production backends when set
var mockBackends *Backends

// UseMockBackends makes Run use the given in-memory backends instead of
// Let's Encrypt, Cloudflare and Key Vault.
// This method only exists when built with the testutils tag
func (app *Application) UseMockBackends(backends *Backends) {
	mockBackends = backends

	if app.logger != nil {
		app.logger.Infof("🧪 Mock mode: ACME, DNS and secret store backends replaced")
	} else {
		// Logger not set up yet
		fmt.Println("🧪 Mock mode: ACME, DNS and secret store backends replaced")
	}
}

// applyMockOverrides returns the mock backends and shortens the ACME polling
// delays so that mock runs finish quickly.
// This method overrides the no-op version in the production build
func (app *Application) applyMockOverrides(cfg *manager.Config) *Backends {
	if mockBackends == nil {
		return nil
	}

	app.logger.Infof("🧪 Overriding challenge interval: %s -> 10ms", cfg.ACME.ChallengeInterval)
	cfg.ACME.ChallengeInterval = 10 * time.Millisecond
	cfg.ACME.DownloadDelay = 10 * time.Millisecond
	cfg.Cloudflare.PropagationCheck = false

	return mockBackends
}
