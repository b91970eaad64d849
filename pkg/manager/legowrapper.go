package manager

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"net/http"
	"time"

	"github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/acme/api"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/registration"
)

// ACMEClient is an ACME connection bound to one account. It mirrors the
// small part of the protocol the renewal flow needs.
type ACMEClient interface {
	NewOrder(domains []string) (acme.ExtendedOrder, error)
	GetOrder(orderURL string) (acme.ExtendedOrder, error)
	GetAuthorization(authzURL string) (acme.Authorization, error)
	// AcceptChallenge asks the CA to start validating the challenge.
	AcceptChallenge(challengeURL string) (acme.ExtendedChallenge, error)
	GetChallenge(challengeURL string) (acme.ExtendedChallenge, error)
	KeyAuthorization(token string) (string, error)
	FinalizeOrder(finalizeURL string, csrDER []byte) (acme.ExtendedOrder, error)
	// DownloadCertificate returns the PEM chain, leaf first.
	DownloadCertificate(certURL, preferredChain string) ([]byte, error)
}

// ACMEProvider opens account-bound clients against an ACME directory.
type ACMEProvider interface {
	// Register creates a new account for key with the terms of service agreed.
	Register(directoryURL, email string, key crypto.PrivateKey) (ACMEClient, error)
	// Resolve looks up the existing account belonging to key.
	Resolve(directoryURL, email string, key crypto.PrivateKey) (ACMEClient, error)
}

// LegoProvider implements ACMEProvider with lego's low level ACME API.
type LegoProvider struct {
	HTTPClient *http.Client
	UserAgent  string
}

// NewLegoProvider creates a provider whose HTTP requests time out after timeout
func NewLegoProvider(userAgent string, timeout time.Duration) *LegoProvider {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &LegoProvider{
		HTTPClient: &http.Client{Timeout: timeout},
		UserAgent:  userAgent,
	}
}

func (p *LegoProvider) connect(directoryURL string, key crypto.PrivateKey) (*api.Core, error) {
	httpClient := p.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	core, err := api.New(httpClient, p.UserAgent, directoryURL, "", key)
	if err != nil {
		return nil, fmt.Errorf("connecting to ACME directory %s: %w", directoryURL, err)
	}
	return core, nil
}

// Register implements ACMEProvider
func (p *LegoProvider) Register(directoryURL, email string, key crypto.PrivateKey) (ACMEClient, error) {
	core, err := p.connect(directoryURL, key)
	if err != nil {
		return nil, err
	}

	user := &acmeUser{email: email, key: key}
	if _, err := registration.NewRegistrar(core, user).Register(registration.RegisterOptions{TermsOfServiceAgreed: true}); err != nil {
		return nil, fmt.Errorf("registering ACME account for %s: %w", email, err)
	}

	return &legoClient{core: core}, nil
}

// Resolve implements ACMEProvider
func (p *LegoProvider) Resolve(directoryURL, email string, key crypto.PrivateKey) (ACMEClient, error) {
	core, err := p.connect(directoryURL, key)
	if err != nil {
		return nil, err
	}

	user := &acmeUser{email: email, key: key}
	if _, err := registration.NewRegistrar(core, user).ResolveAccountByKey(); err != nil {
		return nil, fmt.Errorf("resolving ACME account for %s: %w", email, err)
	}

	return &legoClient{core: core}, nil
}

// legoClient adapts *api.Core to ACMEClient
type legoClient struct {
	core *api.Core
}

func (c *legoClient) NewOrder(domains []string) (acme.ExtendedOrder, error) {
	return c.core.Orders.New(domains)
}

func (c *legoClient) GetOrder(orderURL string) (acme.ExtendedOrder, error) {
	return c.core.Orders.Get(orderURL)
}

func (c *legoClient) GetAuthorization(authzURL string) (acme.Authorization, error) {
	return c.core.Authorizations.Get(authzURL)
}

func (c *legoClient) AcceptChallenge(challengeURL string) (acme.ExtendedChallenge, error) {
	return c.core.Challenges.New(challengeURL)
}

func (c *legoClient) GetChallenge(challengeURL string) (acme.ExtendedChallenge, error) {
	return c.core.Challenges.Get(challengeURL)
}

func (c *legoClient) KeyAuthorization(token string) (string, error) {
	return c.core.GetKeyAuthorization(token)
}

func (c *legoClient) FinalizeOrder(finalizeURL string, csrDER []byte) (acme.ExtendedOrder, error) {
	return c.core.Orders.UpdateForCSR(finalizeURL, csrDER)
}

func (c *legoClient) DownloadCertificate(certURL, preferredChain string) ([]byte, error) {
	if preferredChain != "" {
		chains, err := c.core.Certificates.GetAll(certURL, true)
		if err != nil {
			return nil, err
		}
		if chain := selectPreferredChain(chains, preferredChain); chain != nil {
			return chain, nil
		}
		if raw, ok := chains[certURL]; ok {
			return rawChainPEM(raw), nil
		}
		return nil, fmt.Errorf("certificate %s missing from the alternate chain listing", certURL)
	}

	cert, issuer, err := c.core.Certificates.Get(certURL, true)
	if err != nil {
		return nil, err
	}
	return rawChainPEM(&acme.RawCertificate{Cert: cert, Issuer: issuer}), nil
}

// rawChainPEM returns the bundled chain. lego appends the issuer when asked
// to bundle; older servers answer with the leaf only, then Issuer is used.
func rawChainPEM(raw *acme.RawCertificate) []byte {
	certs, err := certcrypto.ParsePEMBundle(raw.Cert)
	if err == nil && len(certs) == 1 && len(raw.Issuer) > 0 {
		return append(append([]byte{}, raw.Cert...), raw.Issuer...)
	}
	return raw.Cert
}

// selectPreferredChain picks the chain whose top certificate was issued by
// a CA with the given common name
func selectPreferredChain(chains map[string]*acme.RawCertificate, issuerCN string) []byte {
	for _, raw := range chains {
		pemChain := rawChainPEM(raw)
		certs, err := certcrypto.ParsePEMBundle(pemChain)
		if err != nil || len(certs) == 0 {
			continue
		}
		if topIssuerCN(certs) == issuerCN {
			return pemChain
		}
	}
	return nil
}

func topIssuerCN(certs []*x509.Certificate) string {
	return certs[len(certs)-1].Issuer.CommonName
}
