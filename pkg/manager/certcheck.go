// Package manager provides the building blocks for renewing ACME certificates
// into Azure Key Vault: configuration, the ACME session, the Cloudflare record
// adapter and the Key Vault store.
package manager

import (
	"crypto/x509"
	"fmt"
	"strings"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
)

// CertificateNeedsRenewal decides whether a domain must be renewed given the
// expiration currently held by the secret store. A missing certificate is
// always renewed; otherwise the certificate is renewed once it expires within
// renewBefore of now. Returns whether renewal is needed and the reason.
func CertificateNeedsRenewal(expiresAt time.Time, found bool, renewBefore time.Duration, now time.Time) (bool, string) {
	if !found {
		return true, "no certificate in the secret store"
	}

	timeLeft := expiresAt.Sub(now)
	if timeLeft <= renewBefore {
		return true, fmt.Sprintf("certificate expires in %v (threshold is %v)",
			timeLeft.Round(time.Hour), renewBefore.Round(time.Hour))
	}
	return false, fmt.Sprintf("certificate valid until %s", expiresAt.UTC().Format(time.RFC3339))
}

// LeafCertificate parses a PEM chain and returns its first certificate together
// with the rest of the chain.
func LeafCertificate(chainPEM []byte) (*x509.Certificate, []*x509.Certificate, error) {
	certs, err := certcrypto.ParsePEMBundle(chainPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing certificate chain: %w", err)
	}
	if len(certs) == 0 {
		return nil, nil, fmt.Errorf("certificate chain is empty")
	}
	return certs[0], certs[1:], nil
}

// CertificateCoversDomain reports whether the certificate is valid for domain.
// Wildcards are compared literally, as issued.
func CertificateCoversDomain(cert *x509.Certificate, domain string) bool {
	for _, name := range cert.DNSNames {
		if strings.EqualFold(name, domain) {
			return true
		}
	}
	return false
}
