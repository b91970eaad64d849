package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oetiker/go-acme-keyvault-renewer/pkg/common"
	"github.com/oetiker/go-acme-keyvault-renewer/pkg/manager"
)

// Outcome is the result of processing one domain
type Outcome string

const (
	OutcomeSkipped    Outcome = "skipped"
	OutcomeRenewed    Outcome = "renewed"
	OutcomeFailed     Outcome = "failed"
	OutcomeWouldRenew Outcome = "would_renew"
)

// DomainResult records what happened to one domain during a run
type DomainResult struct {
	Zone     string
	Domain   string
	Outcome  Outcome
	Reason   string
	NotAfter time.Time
	Err      error
}

// RunSummary aggregates the results of a renewal run in configuration order
type RunSummary struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	Results  []DomainResult
	Checked  int
	Skipped  int
	Renewed  int
	Failed   int
}

// Propagator waits until a TXT record is visible to the public DNS
type Propagator interface {
	WaitForTXT(ctx context.Context, name, value string) error
}

// Renewer walks the configured zones and renews every domain whose stored
// certificate is missing or about to expire.
type Renewer struct {
	cfg         *manager.Config
	session     *manager.Session
	records     manager.RecordStore
	store       manager.SecretStore
	propagation Propagator
	archive     *manager.BundleArchive
	events      common.EventSink
	logger      common.LoggerInterface

	now     func() time.Time
	domains map[string]bool
	dryRun  bool
}

// RenewerOption configures optional Renewer behavior
type RenewerOption func(*Renewer)

// WithEvents sends lifecycle events to sink
func WithEvents(sink common.EventSink) RenewerOption {
	return func(r *Renewer) {
		if sink != nil {
			r.events = sink
		}
	}
}

// WithPropagation waits for TXT propagation before the challenge is accepted
func WithPropagation(p Propagator) RenewerOption {
	return func(r *Renewer) { r.propagation = p }
}

// WithArchive keeps a local copy of every issued bundle
func WithArchive(a *manager.BundleArchive) RenewerOption {
	return func(r *Renewer) { r.archive = a }
}

// WithDomainFilter restricts a run to the given domains
func WithDomainFilter(domains []string) RenewerOption {
	return func(r *Renewer) {
		if len(domains) == 0 {
			return
		}
		r.domains = make(map[string]bool, len(domains))
		for _, d := range domains {
			r.domains[d] = true
		}
	}
}

// WithDryRun only reports which domains would be renewed
func WithDryRun(dryRun bool) RenewerOption {
	return func(r *Renewer) { r.dryRun = dryRun }
}

// WithClock replaces time.Now for the renewal decision
func WithClock(now func() time.Time) RenewerOption {
	return func(r *Renewer) { r.now = now }
}

// NewRenewer creates a Renewer for cfg
func NewRenewer(cfg *manager.Config, session *manager.Session, records manager.RecordStore, store manager.SecretStore, logger common.LoggerInterface, opts ...RenewerOption) *Renewer {
	r := &Renewer{
		cfg:     cfg,
		session: session,
		records: records,
		store:   store,
		events:  common.DiscardEvents,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes every zone. Zones run concurrently up to zone_concurrency,
// domains inside a zone run in order. A failing domain never stops its
// siblings; the returned error joins all domain failures.
func (r *Renewer) Run(ctx context.Context) (RunSummary, error) {
	runID := common.GetRunID(ctx)
	if runID == "" {
		runID = common.NewRunID()
		ctx = common.WithRunID(ctx, runID)
	}
	summary := RunSummary{RunID: runID, Started: r.now()}

	limit := r.cfg.ZoneConcurrency
	if limit < 1 {
		limit = 1
	}
	r.logger.Info("Starting renewal run", "run_id", runID, "zones", len(r.cfg.Zones), "zone_concurrency", limit, "dry_run", r.dryRun)

	zoneResults := make([][]DomainResult, len(r.cfg.Zones))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, zone := range r.cfg.Zones {
		g.Go(func() error {
			zoneResults[i] = r.processZone(ctx, zone)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, results := range zoneResults {
		for _, res := range results {
			summary.Results = append(summary.Results, res)
			summary.Checked++
			switch res.Outcome {
			case OutcomeSkipped:
				summary.Skipped++
			case OutcomeRenewed:
				summary.Renewed++
			case OutcomeFailed:
				summary.Failed++
				errs = append(errs, fmt.Errorf("%s: %w", res.Domain, res.Err))
			}
		}
	}
	if ctx.Err() != nil {
		errs = append(errs, common.GetContextError(ctx, "renewal run"))
	}
	summary.Finished = r.now()

	r.logger.Info("Renewal run finished", "run_id", runID, "checked", summary.Checked,
		"skipped", summary.Skipped, "renewed", summary.Renewed, "failed", summary.Failed)
	return summary, errors.Join(errs...)
}

func (r *Renewer) selected(domain string) bool {
	return r.domains == nil || r.domains[domain]
}

// processZone handles the domains of one zone in order. The zone's account
// is provisioned lazily, once, before the first domain that needs renewal.
func (r *Renewer) processZone(ctx context.Context, zone manager.ZoneConfig) []DomainResult {
	var (
		results    []DomainResult
		account    *manager.Account
		accountErr error
	)

	for _, domain := range zone.Domains {
		if !r.selected(domain) {
			continue
		}
		if common.IsContextCanceled(ctx) {
			r.logger.Warn("Run cancelled, not processing remaining domains", "zone", zone.ZoneID)
			break
		}

		dctx := common.CreateDomainContext(ctx, zone.ZoneID, domain)
		res := DomainResult{Zone: zone.ZoneID, Domain: domain}

		expires, found := r.store.GetCurrentExpiration(dctx, domain)
		needed, reason := manager.CertificateNeedsRenewal(expires, found, r.cfg.RenewBefore(), r.now())
		res.Reason = reason
		if !needed {
			r.logger.Info("Certificate still valid, skipping", "domain", domain, "reason", reason)
			r.events.Emit(dctx, common.NewEvent(dctx, common.EventRenewalSkipped).
				With("expires", expires.UTC().Format(time.RFC3339)))
			res.Outcome = OutcomeSkipped
			res.NotAfter = expires
			results = append(results, res)
			continue
		}

		if r.dryRun {
			r.logger.Info("Would renew certificate", "domain", domain, "reason", reason)
			res.Outcome = OutcomeWouldRenew
			results = append(results, res)
			continue
		}

		r.logger.Info("Renewing certificate", "domain", domain, "reason", reason)
		if account == nil && accountErr == nil {
			account, accountErr = r.session.EnsureAccount(dctx, zone.Email, r.cfg.Production)
		}
		if accountErr != nil {
			results = append(results, r.fail(dctx, res, accountErr))
			continue
		}

		notAfter, err := r.renewDomain(dctx, zone, account, domain)
		if err != nil {
			results = append(results, r.fail(dctx, res, err))
			continue
		}
		res.Outcome = OutcomeRenewed
		res.NotAfter = notAfter
		results = append(results, res)
	}
	return results
}

func (r *Renewer) fail(ctx context.Context, res DomainResult, err error) DomainResult {
	res.Outcome = OutcomeFailed
	res.Err = err

	event := common.NewEvent(ctx, common.EventRenewalFailed)
	event.Err = err
	if appErr := common.GetApplicationError(err); appErr != nil {
		event = event.With("error_type", string(appErr.Type))
	}
	r.events.Emit(ctx, event)
	r.logger.Error("Renewal failed", "domain", res.Domain, "zone", res.Zone, "error", err)
	return res
}

// renewDomain runs the order, challenge, issue and import steps for one domain
func (r *Renewer) renewDomain(ctx context.Context, zone manager.ZoneConfig, account *manager.Account, domain string) (time.Time, error) {
	ch, order, err := r.session.CreateOrder(ctx, account, domain)
	if err != nil {
		return time.Time{}, err
	}
	r.events.Emit(ctx, common.NewEvent(ctx, common.EventOrderCreated).With("order", order.URL))

	if common.IsContextCanceled(ctx) {
		return time.Time{}, common.GetContextError(ctx, "publish challenge")
	}
	record, err := r.records.UpsertRecord(ctx, zone.ZoneID, ch.ProofName, ch.ProofValue)
	if err != nil {
		return time.Time{}, err
	}
	r.events.Emit(ctx, common.NewEvent(ctx, common.EventRecordUpserted).
		With("record_id", record.ID).With("name", record.Name))
	if r.cfg.Cloudflare.CleanupRecords {
		defer r.cleanupRecord(ctx, zone.ZoneID, record)
	}

	if r.propagation != nil {
		if err := r.propagation.WaitForTXT(ctx, ch.ProofName, ch.ProofValue); err != nil {
			return time.Time{}, err
		}
	}

	status, err := r.session.AwaitChallenge(ctx, ch)
	r.events.Emit(ctx, common.NewEvent(ctx, common.EventChallengeResolved).With("status", string(status)))
	if status != manager.ChallengeValid {
		if err == nil {
			err = common.NewApplicationError(common.ErrorTypeChallengeValidation, "await challenge",
				fmt.Sprintf("challenge ended with status %s", status)).WithResource(domain)
		}
		return time.Time{}, err
	}

	bundle, err := r.session.FinalizeAndDownload(ctx, order, domain, r.cfg.CertInfo)
	if err != nil {
		return time.Time{}, err
	}
	r.events.Emit(ctx, common.NewEvent(ctx, common.EventCertificateIssued).
		With("not_after", bundle.NotAfter.UTC().Format(time.RFC3339)).
		With("serial", bundle.SerialNumber))

	if r.archive != nil {
		if err := r.archive.Save(bundle); err != nil {
			r.logger.Warn("Could not archive bundle", "domain", domain, "error", err)
		}
	}

	if common.IsContextCanceled(ctx) {
		return time.Time{}, common.GetContextError(ctx, "import certificate")
	}
	if err := r.store.ImportCertificate(ctx, domain, bundle); err != nil {
		return time.Time{}, err
	}
	r.events.Emit(ctx, common.NewEvent(ctx, common.EventCertificateStored).
		With("name", bundle.Name).
		With("not_after", bundle.NotAfter.UTC().Format(time.RFC3339)))

	if r.archive != nil {
		if err := r.archive.MarkImported(bundle.Name); err != nil {
			r.logger.Warn("Could not mark archived bundle as imported", "name", bundle.Name, "error", err)
		}
	}
	return bundle.NotAfter, nil
}

// cleanupRecord deletes the challenge record. Failures are only logged.
func (r *Renewer) cleanupRecord(ctx context.Context, zoneID string, record manager.DNSRecord) {
	cleanupCtx, cancel := common.WithDNSTimeout(context.WithoutCancel(ctx))
	defer cancel()

	if err := r.records.DeleteRecord(cleanupCtx, zoneID, record.ID); err != nil {
		r.logger.Warn("Could not delete challenge record", "name", record.Name, "id", record.ID, "error", err)
		return
	}
	r.events.Emit(ctx, common.NewEvent(ctx, common.EventRecordDeleted).With("record_id", record.ID))
}

// ImportPending imports archived bundles whose earlier import failed
func (r *Renewer) ImportPending(ctx context.Context) (int, error) {
	if r.archive == nil {
		return 0, common.NewConfigError("import pending bundles", "archive_dir is not configured").
			AddSuggestion("Set archive_dir in the configuration file")
	}

	pending, err := r.archive.Pending()
	if err != nil {
		return 0, common.NewStorageError(err, "list archive", "Failed to read the bundle archive").
			WithResource(r.archive.Dir)
	}
	if len(pending) == 0 {
		r.logger.Info("No pending bundles in the archive")
		return 0, nil
	}

	imported := 0
	var errs []error
	for _, entry := range pending {
		if common.IsContextCanceled(ctx) {
			errs = append(errs, common.GetContextError(ctx, "import pending bundles"))
			break
		}
		if !r.selected(entry.Domain) {
			continue
		}
		if !entry.NotAfter.IsZero() && entry.NotAfter.Before(r.now()) {
			r.logger.Warn("Skipping expired archived bundle", "name", entry.Name, "not_after", entry.NotAfter)
			continue
		}

		bundle, err := r.archive.Load(entry)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.Domain, err))
			continue
		}
		dctx := common.WithDomain(ctx, entry.Domain)
		if err := r.store.ImportCertificate(dctx, entry.Domain, bundle); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.Domain, err))
			continue
		}
		r.events.Emit(dctx, common.NewEvent(dctx, common.EventCertificateStored).With("name", bundle.Name).With("source", "archive"))
		if err := r.archive.MarkImported(entry.Name); err != nil {
			r.logger.Warn("Could not mark archived bundle as imported", "name", entry.Name, "error", err)
		}
		imported++
	}
	r.logger.Info("Imported archived bundles", "imported", imported, "pending", len(pending))
	return imported, errors.Join(errs...)
}
