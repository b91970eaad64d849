package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/lego"

	"github.com/oetiker/go-acme-keyvault-renewer/pkg/common"
)

// ChallengeStatus is the outcome of waiting for a DNS-01 challenge
type ChallengeStatus string

const (
	ChallengePending ChallengeStatus = "pending"
	ChallengeValid   ChallengeStatus = "valid"
	ChallengeInvalid ChallengeStatus = "invalid"
)

// Challenge is the DNS-01 challenge of a single-domain order
type Challenge struct {
	Domain           string
	ProofName        string
	ProofValue       string
	URL              string
	AuthorizationURL string
	Token            string
	Status           ChallengeStatus

	account *Account
}

// Order is a pending single-domain ACME order
type Order struct {
	URL         string
	FinalizeURL string
	Domain      string

	account *Account
}

// SessionOptions tunes the ACME session
type SessionOptions struct {
	DataDir string
	// DirectoryURL overrides the Let's Encrypt production/staging directories.
	DirectoryURL         string
	KeyType              string
	PreferredChain       string
	ChallengeInterval    time.Duration
	ChallengeMaxAttempts int
	ChallengeTimeout     time.Duration
	DownloadAttempts     int
	DownloadDelay        time.Duration
	ExportPassword       string
}

// SessionOptionsFromConfig collects the session settings of cfg
func SessionOptionsFromConfig(cfg *Config) SessionOptions {
	return SessionOptions{
		DataDir:              cfg.ACME.DataDir,
		DirectoryURL:         cfg.ACME.DirectoryURL,
		KeyType:              cfg.ACME.KeyType,
		PreferredChain:       cfg.ACME.PreferredChain,
		ChallengeInterval:    cfg.ACME.ChallengeInterval,
		ChallengeMaxAttempts: cfg.ACME.ChallengeMaxAttempts,
		ChallengeTimeout:     cfg.ACME.ChallengeTimeout,
		DownloadAttempts:     cfg.ACME.DownloadAttempts,
		DownloadDelay:        cfg.ACME.DownloadDelay,
		ExportPassword:       cfg.KeyVault.ExportPassword,
	}
}

// Session drives the ACME protocol for the renewal flow. Accounts are
// cached per key file, so a run registers or resolves each account once.
type Session struct {
	provider ACMEProvider
	opts     SessionOptions
	logger   common.LoggerInterface

	mu       sync.Mutex
	accounts map[string]*Account
}

// NewSession creates a session. Zero option values fall back to the defaults.
func NewSession(provider ACMEProvider, opts SessionOptions, logger common.LoggerInterface) *Session {
	if opts.DataDir == "" {
		opts.DataDir = DefaultDataDir
	}
	if opts.ChallengeInterval <= 0 {
		opts.ChallengeInterval = DefaultChallengeInterval
	}
	if opts.ChallengeMaxAttempts <= 0 {
		opts.ChallengeMaxAttempts = DefaultChallengeMaxAttempts
	}
	if opts.ChallengeTimeout <= 0 {
		opts.ChallengeTimeout = DefaultChallengeTimeout
	}
	if opts.DownloadAttempts <= 0 {
		opts.DownloadAttempts = DefaultDownloadAttempts
	}
	if opts.DownloadDelay < 0 {
		opts.DownloadDelay = DefaultDownloadDelay
	}
	if logger == nil {
		logger = DefaultLogger
	}
	return &Session{
		provider: provider,
		opts:     opts,
		logger:   logger,
		accounts: make(map[string]*Account),
	}
}

func (s *Session) directoryURL(production bool) string {
	if s.opts.DirectoryURL != "" {
		return s.opts.DirectoryURL
	}
	if production {
		return lego.LEDirectoryProduction
	}
	return lego.LEDirectoryStaging
}

// EnsureAccount returns the ACME account for (production, email). A missing
// key file means a new key is generated, registered with the terms of
// service agreed, and then written. An existing key is resolved against the CA.
func (s *Session) EnsureAccount(ctx context.Context, email string, production bool) (*Account, error) {
	if ctx.Err() != nil {
		return nil, common.GetContextError(ctx, "ensure account")
	}

	keyPath := AccountKeyPath(s.opts.DataDir, production, email)

	s.mu.Lock()
	defer s.mu.Unlock()

	if account, ok := s.accounts[keyPath]; ok {
		return account, nil
	}

	key, existed, err := loadOrGenerateAccountKey(keyPath)
	if err != nil {
		return nil, common.NewAccountError(err, "load account key",
			"Failed to load the ACME account key").WithResource(keyPath)
	}

	directory := s.directoryURL(production)
	var client ACMEClient
	if existed {
		s.logger.Debug("Resolving existing ACME account", "email", email, "key", keyPath)
		client, err = s.provider.Resolve(directory, email, key)
	} else {
		s.logger.Info("Registering new ACME account", "email", email, "directory", directory)
		client, err = s.provider.Register(directory, email, key)
	}
	if err != nil {
		return nil, common.NewAccountError(err, "provision account",
			"Failed to provision the ACME account").
			WithResource(email).
			AddContext("directory", directory)
	}

	if !existed {
		if err := saveAccountKey(keyPath, key); err != nil {
			return nil, common.NewAccountError(err, "save account key",
				"The account was registered but its key could not be saved").WithResource(keyPath)
		}
		s.logger.Infof("Saved ACME account key to %s", keyPath)
	}

	account := &Account{
		Email:      email,
		Production: production,
		KeyPath:    keyPath,
		Key:        key,
		client:     client,
	}
	s.accounts[keyPath] = account
	return account, nil
}

// CreateOrder places a single-identifier order for domain and returns its
// DNS-01 challenge with the record name and value to publish.
func (s *Session) CreateOrder(ctx context.Context, account *Account, domain string) (*Challenge, *Order, error) {
	if ctx.Err() != nil {
		return nil, nil, common.GetContextError(ctx, "create order")
	}
	if account == nil || account.client == nil {
		return nil, nil, common.NewACMEError("create order", "no ACME account available").WithResource(domain)
	}
	client := account.client

	order, err := client.NewOrder([]string{domain})
	if err != nil {
		return nil, nil, common.WrapError(err, common.ErrorTypeACME, "create order",
			"The CA rejected the order").WithResource(domain)
	}
	if len(order.Authorizations) != 1 {
		return nil, nil, common.NewACMEError("create order",
			fmt.Sprintf("expected exactly one authorization, got %d", len(order.Authorizations))).WithResource(domain)
	}

	authzURL := order.Authorizations[0]
	authz, err := client.GetAuthorization(authzURL)
	if err != nil {
		return nil, nil, common.WrapError(err, common.ErrorTypeACME, "get authorization",
			"Failed to fetch the order authorization").WithResource(domain)
	}

	var dnsChallenge *acme.Challenge
	for i := range authz.Challenges {
		if authz.Challenges[i].Type == string(challenge.DNS01) {
			dnsChallenge = &authz.Challenges[i]
			break
		}
	}
	if dnsChallenge == nil {
		return nil, nil, common.NewACMEError("create order",
			"the CA did not offer a dns-01 challenge").WithResource(domain)
	}

	keyAuth, err := client.KeyAuthorization(dnsChallenge.Token)
	if err != nil {
		return nil, nil, common.WrapError(err, common.ErrorTypeACME, "key authorization",
			"Failed to compute the key authorization").WithResource(domain)
	}

	status := ChallengePending
	switch {
	case authz.Status == acme.StatusValid || dnsChallenge.Status == acme.StatusValid:
		status = ChallengeValid
	case dnsChallenge.Status == acme.StatusInvalid:
		status = ChallengeInvalid
	}

	ch := &Challenge{
		Domain:           domain,
		ProofName:        ProofName(domain),
		ProofValue:       DNS01Value(keyAuth),
		URL:              dnsChallenge.URL,
		AuthorizationURL: authzURL,
		Token:            dnsChallenge.Token,
		Status:           status,
		account:          account,
	}
	o := &Order{
		URL:         order.Location,
		FinalizeURL: order.Finalize,
		Domain:      domain,
		account:     account,
	}
	s.logger.Debug("Order created", "domain", domain, "order", o.URL, "challenge", ch.URL)
	return ch, o, nil
}

var (
	errChallengePending = errors.New("challenge is still pending")
	errChallengeInvalid = errors.New("challenge is invalid")
)

// AwaitChallenge asks the CA to validate the challenge and polls until it
// leaves the pending state. Waiting is bounded by ChallengeMaxAttempts and
// ChallengeTimeout; exhausting either yields ChallengePending with a
// CHALLENGE_TIMEOUT error.
func (s *Session) AwaitChallenge(ctx context.Context, ch *Challenge) (ChallengeStatus, error) {
	switch ch.Status {
	case ChallengeValid:
		return ChallengeValid, nil
	case ChallengeInvalid:
		return ChallengeInvalid, challengeInvalidError(ch, nil)
	}
	if ch.account == nil || ch.account.client == nil {
		return ChallengePending, common.NewACMEError("await challenge", "challenge has no ACME account").WithResource(ch.Domain)
	}
	client := ch.account.client

	waitCtx, cancel := context.WithTimeout(ctx, s.opts.ChallengeTimeout)
	defer cancel()

	// The CA may look up the record as soon as it is asked to validate.
	if err := sleepContext(waitCtx, s.opts.ChallengeInterval); err != nil {
		return ChallengePending, s.challengeWaitError(ctx, ch, err, 0)
	}

	var (
		accepted bool
		attempts int
		problem  *acme.ProblemDetails
	)
	operation := func() error {
		attempts++
		var current acme.ExtendedChallenge
		var err error
		if !accepted {
			current, err = client.AcceptChallenge(ch.URL)
			if err == nil {
				accepted = true
			}
		} else {
			current, err = client.GetChallenge(ch.URL)
		}
		if err != nil {
			return err
		}

		switch current.Status {
		case acme.StatusValid:
			return nil
		case acme.StatusInvalid:
			problem = current.Error
			return backoff.Permanent(errChallengeInvalid)
		default:
			return errChallengePending
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.opts.ChallengeInterval), uint64(s.opts.ChallengeMaxAttempts-1)),
		waitCtx)
	err := backoff.RetryNotify(operation, policy, func(err error, next time.Duration) {
		s.logger.Debug("Challenge not resolved yet", "domain", ch.Domain, "reason", err, "next_poll", next)
	})

	switch {
	case err == nil:
		ch.Status = ChallengeValid
		s.logger.Info("Challenge validated", "domain", ch.Domain, "attempts", attempts)
		return ChallengeValid, nil
	case errors.Is(err, errChallengeInvalid):
		ch.Status = ChallengeInvalid
		var underlying error
		if problem != nil {
			underlying = problem
		}
		return ChallengeInvalid, challengeInvalidError(ch, underlying)
	default:
		return ChallengePending, s.challengeWaitError(ctx, ch, err, attempts)
	}
}

func challengeInvalidError(ch *Challenge, problem error) error {
	message := "The CA could not validate the DNS-01 record"
	var appErr *common.ApplicationError
	if problem != nil {
		appErr = common.WrapError(problem, common.ErrorTypeChallengeValidation, "await challenge", message)
	} else {
		appErr = common.NewApplicationError(common.ErrorTypeChallengeValidation, "await challenge", message)
	}
	return appErr.WithResource(ch.Domain).
		AddContext("record", ch.ProofName).
		AddSuggestion("Check that " + ch.ProofName + " resolves publicly to the expected TXT value")
}

// challengeWaitError classifies a wait that ended without a final status
func (s *Session) challengeWaitError(ctx context.Context, ch *Challenge, err error, attempts int) error {
	if ctx.Err() != nil {
		return common.GetContextError(ctx, "await challenge")
	}
	appErr := common.WrapError(err, common.ErrorTypeChallengeTimeout, "await challenge",
		fmt.Sprintf("Challenge still pending after %d poll(s)", attempts)).
		WithResource(ch.Domain).
		AddContext("max_attempts", s.opts.ChallengeMaxAttempts).
		AddContext("timeout", s.opts.ChallengeTimeout.String())
	return appErr.AddSuggestion("Increase acme.challenge_timeout or acme.challenge_max_attempts")
}

// FinalizeAndDownload generates the certificate key, finalizes the order
// with a CSR for domain and downloads the issued chain. Downloading is
// retried DownloadAttempts times with DownloadDelay between failures.
func (s *Session) FinalizeAndDownload(ctx context.Context, order *Order, domain string, info CertInfo) (*CertificateBundle, error) {
	if ctx.Err() != nil {
		return nil, common.GetContextError(ctx, "finalize order")
	}
	if order == nil || order.account == nil || order.account.client == nil {
		return nil, common.NewACMEError("finalize order", "order has no ACME account").WithResource(domain)
	}
	client := order.account.client

	keyType, err := keyTypeFor(s.opts.KeyType)
	if err != nil {
		return nil, common.WrapError(err, common.ErrorTypeConfig, "generate certificate key",
			"Invalid certificate key type").WithResource(domain)
	}
	key, err := certcrypto.GeneratePrivateKey(keyType)
	if err != nil {
		return nil, common.NewCertificateError(err, "generate certificate key",
			"Failed to generate the certificate key").WithResource(domain)
	}

	csr, err := CreateCSR(key, domain, info)
	if err != nil {
		return nil, common.NewCertificateError(err, "create CSR",
			"Failed to create the certificate signing request").WithResource(domain)
	}

	finalized, err := client.FinalizeOrder(order.FinalizeURL, csr)
	if err != nil {
		return nil, common.WrapError(err, common.ErrorTypeACME, "finalize order",
			"The CA rejected the finalize request").WithResource(domain)
	}
	if finalized.Status == acme.StatusInvalid {
		return nil, common.NewACMEError("finalize order", "the order became invalid").WithResource(domain)
	}

	certURL := finalized.Certificate
	attempts := 0
	var chainPEM []byte
	operation := func() error {
		attempts++
		if certURL == "" {
			current, err := client.GetOrder(order.URL)
			if err != nil {
				return err
			}
			if current.Status == acme.StatusInvalid {
				if current.Error != nil {
					return backoff.Permanent(current.Error)
				}
				return backoff.Permanent(errors.New("order is invalid"))
			}
			if current.Status != acme.StatusValid || current.Certificate == "" {
				return fmt.Errorf("order is %s, certificate not available yet", current.Status)
			}
			certURL = current.Certificate
		}

		chain, err := client.DownloadCertificate(certURL, s.opts.PreferredChain)
		if err != nil {
			return err
		}
		chainPEM = chain
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.opts.DownloadDelay), uint64(s.opts.DownloadAttempts-1)),
		ctx)
	err = backoff.RetryNotify(operation, policy, func(err error, next time.Duration) {
		s.logger.Warn("Certificate download failed, retrying", "domain", domain, "attempt", attempts, "error", err, "retry_in", next)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, common.GetContextError(ctx, "download certificate")
		}
		return nil, common.WrapError(err, common.ErrorTypeDownload, "download certificate",
			fmt.Sprintf("certificate download failed after %d attempt(s)", attempts)).
			WithResource(domain).
			AddContext("order", order.URL).
			AddSuggestion("The order stays valid at the CA; the next run places a new order")
	}

	bundle, err := NewCertificateBundle(domain, key, chainPEM, s.opts.ExportPassword)
	if err != nil {
		return nil, common.NewCertificateError(err, "package certificate",
			"Failed to package the issued certificate").WithResource(domain)
	}
	s.logger.Info("Certificate issued", "domain", domain, "not_after", bundle.NotAfter.Format(time.RFC3339), "serial", bundle.SerialNumber)
	return bundle, nil
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
