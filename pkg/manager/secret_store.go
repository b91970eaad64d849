package manager

import (
	"context"
	"time"
)

// SecretStore holds the issued certificates, keyed by CertificateName.
type SecretStore interface {
	// GetCurrentExpiration returns the expiration of the newest stored
	// version for domain. Lookup failures report false, never an error.
	GetCurrentExpiration(ctx context.Context, domain string) (time.Time, bool)
	ImportCertificate(ctx context.Context, domain string, bundle *CertificateBundle) error
}

// Tag names written on imported certificates
const (
	TagIssuer   = "issuer"
	TagExpireAt = "expireAt"
)
