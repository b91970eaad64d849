//go:build !testutils
// +build !testutils

package app

import (
	"github.com/oetiker/go-acme-keyvault-renewer/pkg/manager"
)

// applyMockOverrides is a no-op in the production build
// The mock version will override this with build tags
func (app *Application) applyMockOverrides(cfg *manager.Config) *Backends {
	return nil
}
