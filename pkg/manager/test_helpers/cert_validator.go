package test_helpers

import (
	"crypto/x509"
	"errors"
	"strings"
	"testing"
	"time"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/oetiker/go-acme-keyvault-renewer/pkg/manager"
)

// CertificateInfo contains metadata about a certificate
type CertificateInfo struct {
	CommonName    string
	DNSNames      []string
	NotBefore     time.Time
	NotAfter      time.Time
	Issuer        string
	Intermediates int
	HasKey        bool
}

// ValidateBundle decodes the PKCS#12 archive of a bundle with password
func ValidateBundle(t *testing.T, bundle *manager.CertificateBundle, password string) (*CertificateInfo, error) {
	t.Helper()
	if bundle == nil {
		return nil, errors.New("bundle is nil")
	}

	key, cert, cas, err := pkcs12.DecodeChain(bundle.PFX, password)
	if err != nil {
		return nil, err
	}

	info := &CertificateInfo{
		CommonName:    cert.Subject.CommonName,
		DNSNames:      cert.DNSNames,
		NotBefore:     cert.NotBefore,
		NotAfter:      cert.NotAfter,
		Issuer:        cert.Issuer.CommonName,
		Intermediates: len(cas),
		HasKey:        key != nil,
	}

	if !cert.NotAfter.Equal(bundle.NotAfter) {
		t.Logf("Bundle NotAfter %s differs from leaf %s", bundle.NotAfter, cert.NotAfter)
	}
	return info, nil
}

// ValidateIssuedBy checks that the bundle leaf chains to the CA
func ValidateIssuedBy(t *testing.T, bundle *manager.CertificateBundle, password string, ca *TestCA) bool {
	t.Helper()
	_, cert, _, err := pkcs12.DecodeChain(bundle.PFX, password)
	if err != nil {
		t.Logf("Decoding bundle %s: %v", bundle.Name, err)
		return false
	}

	host := bundle.Domain
	if strings.HasPrefix(host, "*.") {
		host = "host" + strings.TrimPrefix(host, "*")
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca.Cert)
	if _, err := cert.Verify(x509.VerifyOptions{Roots: roots, DNSName: host}); err != nil {
		t.Logf("Certificate %s does not verify: %v", bundle.Name, err)
		return false
	}
	return true
}
