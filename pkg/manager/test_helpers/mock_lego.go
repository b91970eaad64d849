package test_helpers

import (
	"crypto"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/acme"

	"github.com/oetiker/go-acme-keyvault-renewer/pkg/manager"
)

// FakeACME implements manager.ACMEProvider against an in-memory CA. Each
// order has one authorization with an http-01 and a dns-01 challenge; the
// dns-01 challenge walks through ChallengeStatuses, the last one repeating.
type FakeACME struct {
	mu sync.Mutex
	ca *TestCA

	// ChallengeStatuses are returned by successive accept/poll calls.
	// Empty means the challenge is valid immediately.
	ChallengeStatuses []string
	// InitialChallengeStatus is the status reported with the authorization.
	InitialChallengeStatus string
	// FailDomains makes the dns-01 challenge of these domains invalid.
	FailDomains map[string]bool
	// DownloadFailures makes the first N downloads fail.
	DownloadFailures int
	// Validity of issued certificates. Defaults to 90 days.
	Validity time.Duration
	// NoDNS01 omits the dns-01 challenge.
	NoDNS01 bool

	RegisterErr error
	ResolveErr  error
	OrderErr    error
	FinalizeErr error

	Registrations    []string
	Resolutions      []string
	Directories      []string
	OrderedDomains   []string
	ChallengeAccepts int
	ChallengePolls   int
	Finalizations    int
	Downloads        int
	Issued           map[string][]byte

	nextID      int
	statusIndex int
	orders      map[string]*fakeOrder
	byAuthz     map[string]*fakeOrder
	byChallenge map[string]*fakeOrder
	byCert      map[string]*fakeOrder
}

type fakeOrder struct {
	id        int
	domain    string
	url       string
	authzURL  string
	challURL  string
	finalize  string
	certURL   string
	token     string
	status    string
	chlStatus string
	chain     []byte
}

// NewFakeACME creates a fake CA issuing 90 day certificates
func NewFakeACME() *FakeACME {
	ca, err := NewTestCA("Fake Intermediate X1")
	if err != nil {
		panic(fmt.Sprintf("creating test CA: %v", err))
	}
	return &FakeACME{
		ca:          ca,
		Validity:    90 * 24 * time.Hour,
		FailDomains: make(map[string]bool),
		Issued:      make(map[string][]byte),
		orders:      make(map[string]*fakeOrder),
		byAuthz:     make(map[string]*fakeOrder),
		byChallenge: make(map[string]*fakeOrder),
		byCert:      make(map[string]*fakeOrder),
	}
}

// CA returns the issuing CA
func (f *FakeACME) CA() *TestCA {
	return f.ca
}

// Register implements manager.ACMEProvider
func (f *FakeACME) Register(directoryURL, email string, _ crypto.PrivateKey) (manager.ACMEClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Directories = append(f.Directories, directoryURL)
	if f.RegisterErr != nil {
		return nil, f.RegisterErr
	}
	f.Registrations = append(f.Registrations, email)
	return &fakeACMEClient{fake: f}, nil
}

// Resolve implements manager.ACMEProvider
func (f *FakeACME) Resolve(directoryURL, email string, _ crypto.PrivateKey) (manager.ACMEClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Directories = append(f.Directories, directoryURL)
	if f.ResolveErr != nil {
		return nil, f.ResolveErr
	}
	f.Resolutions = append(f.Resolutions, email)
	return &fakeACMEClient{fake: f}, nil
}

// KeyAuthorization is the key authorization the fake reports for a token
func KeyAuthorization(token string) string {
	return token + ".fake-account-thumbprint"
}

type fakeACMEClient struct {
	fake *FakeACME
}

func (c *fakeACMEClient) NewOrder(domains []string) (acme.ExtendedOrder, error) {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.OrderErr != nil {
		return acme.ExtendedOrder{}, f.OrderErr
	}
	if len(domains) != 1 {
		return acme.ExtendedOrder{}, errors.New("fake CA only supports single domain orders")
	}

	f.nextID++
	id := f.nextID
	o := &fakeOrder{
		id:        id,
		domain:    domains[0],
		url:       fmt.Sprintf("https://ca.test/order/%d", id),
		authzURL:  fmt.Sprintf("https://ca.test/authz/%d", id),
		challURL:  fmt.Sprintf("https://ca.test/chall/%d", id),
		finalize:  fmt.Sprintf("https://ca.test/finalize/%d", id),
		token:     fmt.Sprintf("token-%d", id),
		status:    acme.StatusPending,
		chlStatus: acme.StatusPending,
	}
	if f.InitialChallengeStatus != "" {
		o.chlStatus = f.InitialChallengeStatus
	}
	f.orders[o.url] = o
	f.byAuthz[o.authzURL] = o
	f.byChallenge[o.challURL] = o
	f.OrderedDomains = append(f.OrderedDomains, o.domain)

	return c.extended(o), nil
}

func (c *fakeACMEClient) extended(o *fakeOrder) acme.ExtendedOrder {
	return acme.ExtendedOrder{
		Order: acme.Order{
			Status:         o.status,
			Identifiers:    []acme.Identifier{{Type: "dns", Value: o.domain}},
			Authorizations: []string{o.authzURL},
			Finalize:       o.finalize,
			Certificate:    o.certURL,
		},
		Location: o.url,
	}
}

func (c *fakeACMEClient) GetOrder(orderURL string) (acme.ExtendedOrder, error) {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderURL]
	if !ok {
		return acme.ExtendedOrder{}, fmt.Errorf("unknown order %s", orderURL)
	}
	return c.extended(o), nil
}

func (c *fakeACMEClient) GetAuthorization(authzURL string) (acme.Authorization, error) {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.byAuthz[authzURL]
	if !ok {
		return acme.Authorization{}, fmt.Errorf("unknown authorization %s", authzURL)
	}

	challenges := []acme.Challenge{
		{Type: "http-01", URL: o.challURL + "/http", Token: o.token, Status: acme.StatusPending},
	}
	if !f.NoDNS01 {
		challenges = append(challenges, acme.Challenge{Type: "dns-01", URL: o.challURL, Token: o.token, Status: o.chlStatus})
	}
	return acme.Authorization{
		Status:     acme.StatusPending,
		Identifier: acme.Identifier{Type: "dns", Value: o.domain},
		Challenges: challenges,
	}, nil
}

// advance moves the challenge to its next scripted status
func (c *fakeACMEClient) advance(o *fakeOrder) acme.ExtendedChallenge {
	f := c.fake
	switch {
	case f.FailDomains[o.domain]:
		o.chlStatus = acme.StatusInvalid
	case len(f.ChallengeStatuses) == 0:
		o.chlStatus = acme.StatusValid
	default:
		i := f.statusIndex
		if i >= len(f.ChallengeStatuses) {
			i = len(f.ChallengeStatuses) - 1
		}
		f.statusIndex++
		o.chlStatus = f.ChallengeStatuses[i]
	}
	if o.chlStatus == acme.StatusValid {
		o.status = acme.StatusReady
	}

	ch := acme.ExtendedChallenge{
		Challenge: acme.Challenge{Type: "dns-01", URL: o.challURL, Token: o.token, Status: o.chlStatus},
	}
	if o.chlStatus == acme.StatusInvalid {
		ch.Error = &acme.ProblemDetails{Type: "urn:ietf:params:acme:error:incorrectTXT", Detail: "incorrect TXT record"}
	}
	return ch
}

func (c *fakeACMEClient) AcceptChallenge(challengeURL string) (acme.ExtendedChallenge, error) {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.byChallenge[challengeURL]
	if !ok {
		return acme.ExtendedChallenge{}, fmt.Errorf("unknown challenge %s", challengeURL)
	}
	f.ChallengeAccepts++
	return c.advance(o), nil
}

func (c *fakeACMEClient) GetChallenge(challengeURL string) (acme.ExtendedChallenge, error) {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.byChallenge[challengeURL]
	if !ok {
		return acme.ExtendedChallenge{}, fmt.Errorf("unknown challenge %s", challengeURL)
	}
	f.ChallengePolls++
	return c.advance(o), nil
}

func (c *fakeACMEClient) KeyAuthorization(token string) (string, error) {
	return KeyAuthorization(token), nil
}

func (c *fakeACMEClient) FinalizeOrder(finalizeURL string, csrDER []byte) (acme.ExtendedOrder, error) {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Finalizations++
	if f.FinalizeErr != nil {
		return acme.ExtendedOrder{}, f.FinalizeErr
	}

	var o *fakeOrder
	for _, candidate := range f.orders {
		if candidate.finalize == finalizeURL {
			o = candidate
		}
	}
	if o == nil {
		return acme.ExtendedOrder{}, fmt.Errorf("unknown order for %s", finalizeURL)
	}
	if o.status != acme.StatusReady {
		return acme.ExtendedOrder{}, &acme.ProblemDetails{Type: "urn:ietf:params:acme:error:orderNotReady", Detail: "order is " + o.status}
	}

	chain, _, err := f.ca.SignCSR(csrDER, f.Validity)
	if err != nil {
		return acme.ExtendedOrder{}, err
	}
	o.chain = chain
	o.status = acme.StatusValid
	o.certURL = fmt.Sprintf("https://ca.test/cert/%d", o.id)
	f.byCert[o.certURL] = o
	return c.extended(o), nil
}

func (c *fakeACMEClient) DownloadCertificate(certURL, _ string) ([]byte, error) {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Downloads++
	if f.Downloads <= f.DownloadFailures {
		return nil, fmt.Errorf("download %d failed: 503 service unavailable", f.Downloads)
	}
	o, ok := f.byCert[certURL]
	if !ok {
		return nil, fmt.Errorf("unknown certificate %s", certURL)
	}
	f.Issued[o.domain] = o.chain
	return o.chain, nil
}
