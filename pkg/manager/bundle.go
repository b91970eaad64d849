package manager

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"software.sslmate.com/src/go-pkcs12"
)

// CertificateBundle is an issued certificate ready for import: the
// password protected PKCS#12 archive plus the facts read back from the leaf.
type CertificateBundle struct {
	Name           string
	Domain         string
	PFX            []byte
	CertificatePEM []byte
	NotBefore      time.Time
	NotAfter       time.Time
	SerialNumber   string
	IssuerCN       string
}

// DNS01Value computes the TXT record value for a key authorization:
// unpadded base64url of its SHA-256 digest.
func DNS01Value(keyAuthorization string) string {
	sum := sha256.Sum256([]byte(keyAuthorization))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// keyTypeFor maps a configured key type to lego's key type
func keyTypeFor(keyType string) (certcrypto.KeyType, error) {
	switch keyType {
	case "", "rsa2048":
		return certcrypto.RSA2048, nil
	case "rsa3072":
		return certcrypto.RSA3072, nil
	case "rsa4096":
		return certcrypto.RSA4096, nil
	case "ec256":
		return certcrypto.EC256, nil
	case "ec384":
		return certcrypto.EC384, nil
	}
	return "", fmt.Errorf("unsupported key type %q", keyType)
}

// CreateCSR builds a DER encoded certificate signing request for a single
// domain carrying the configured subject fields.
func CreateCSR(key crypto.PrivateKey, domain string, info CertInfo) ([]byte, error) {
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("certificate key of type %T cannot sign", key)
	}

	subject := pkix.Name{CommonName: domain}
	if info.Country != "" {
		subject.Country = []string{info.Country}
	}
	if info.State != "" {
		subject.Province = []string{info.State}
	}
	if info.Locality != "" {
		subject.Locality = []string{info.Locality}
	}
	if info.Organization != "" {
		subject.Organization = []string{info.Organization}
	}
	if info.OrganizationUnit != "" {
		subject.OrganizationalUnit = []string{info.OrganizationUnit}
	}

	template := &x509.CertificateRequest{
		Subject:  subject,
		DNSNames: []string{domain},
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, template, signer)
	if err != nil {
		return nil, fmt.Errorf("creating CSR for %s: %w", domain, err)
	}
	return csr, nil
}

// EncodeBundle packs the key, leaf and intermediates into a PKCS#12 archive
func EncodeBundle(key crypto.PrivateKey, leaf *x509.Certificate, intermediates []*x509.Certificate, password string) ([]byte, error) {
	pfx, err := pkcs12.Legacy.Encode(key, leaf, intermediates, password)
	if err != nil {
		return nil, fmt.Errorf("encoding PKCS#12 bundle: %w", err)
	}
	return pfx, nil
}

// NewCertificateBundle packages a downloaded chain for domain
func NewCertificateBundle(domain string, key crypto.PrivateKey, chainPEM []byte, password string) (*CertificateBundle, error) {
	leaf, intermediates, err := LeafCertificate(chainPEM)
	if err != nil {
		return nil, err
	}
	if !CertificateCoversDomain(leaf, domain) {
		return nil, fmt.Errorf("issued certificate names %v do not include %s", leaf.DNSNames, domain)
	}

	pfx, err := EncodeBundle(key, leaf, intermediates, password)
	if err != nil {
		return nil, err
	}

	return &CertificateBundle{
		Name:           CertificateName(domain),
		Domain:         domain,
		PFX:            pfx,
		CertificatePEM: chainPEM,
		NotBefore:      leaf.NotBefore,
		NotAfter:       leaf.NotAfter,
		SerialNumber:   leaf.SerialNumber.Text(16),
		IssuerCN:       leaf.Issuer.CommonName,
	}, nil
}
