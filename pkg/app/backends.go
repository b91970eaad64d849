package app

import (
	"github.com/oetiker/go-acme-keyvault-renewer/pkg/common"
	"github.com/oetiker/go-acme-keyvault-renewer/pkg/manager"
)

// Backends are the external systems a renewal run talks to
type Backends struct {
	ACME    manager.ACMEProvider
	Records manager.RecordStore
	Store   manager.SecretStore
	// Propagation is nil when the TXT propagation check is disabled
	Propagation Propagator
}

// BackendFactory builds the backends for a loaded configuration
type BackendFactory func(cfg *manager.Config, userAgent string, logger common.LoggerInterface) (*Backends, error)

// DefaultBackendFactory builds the production backends.
// Tests and the mock binary replace it.
var DefaultBackendFactory BackendFactory = NewProductionBackends

// NewProductionBackends connects to Let's Encrypt, Cloudflare and Azure Key Vault
func NewProductionBackends(cfg *manager.Config, userAgent string, logger common.LoggerInterface) (*Backends, error) {
	records, err := manager.NewCloudflareRecords(cfg.Cloudflare, logger)
	if err != nil {
		return nil, err
	}

	store, err := manager.NewKeyVaultStore(cfg.KeyVault, logger)
	if err != nil {
		return nil, err
	}

	backends := &Backends{
		ACME:    manager.NewLegoProvider(userAgent, cfg.ACME.HTTPTimeout),
		Records: records,
		Store:   store,
	}
	if cfg.Cloudflare.PropagationCheck {
		backends.Propagation = manager.NewPropagationChecker(cfg.Cloudflare, logger)
	}
	return backends, nil
}
