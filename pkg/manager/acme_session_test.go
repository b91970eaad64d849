package manager_test

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/lego"

	"github.com/oetiker/go-acme-keyvault-renewer/pkg/common"
	"github.com/oetiker/go-acme-keyvault-renewer/pkg/manager"
	"github.com/oetiker/go-acme-keyvault-renewer/pkg/manager/test_helpers"
)

const testPassword = "export-secret"

func newTestSession(t *testing.T, fake *test_helpers.FakeACME, dataDir string) *manager.Session {
	t.Helper()
	if dataDir == "" {
		dataDir = t.TempDir()
	}
	return manager.NewSession(fake, manager.SessionOptions{
		DataDir:              dataDir,
		DirectoryURL:         "https://ca.test/directory",
		KeyType:              "ec256",
		ChallengeInterval:    time.Millisecond,
		ChallengeMaxAttempts: 5,
		ChallengeTimeout:     5 * time.Second,
		DownloadAttempts:     5,
		DownloadDelay:        time.Millisecond,
		ExportPassword:       testPassword,
	}, manager.NewLogger(io.Discard, manager.LogLevelDebug))
}

func TestSession_EnsureAccount_RegistersThenResolves(t *testing.T) {
	dataDir := t.TempDir()
	fake := test_helpers.NewFakeACME()
	session := newTestSession(t, fake, dataDir)

	account, err := session.EnsureAccount(context.Background(), "Ops@Example.com", false)
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	if len(fake.Registrations) != 1 || len(fake.Resolutions) != 0 {
		t.Fatalf("expected one registration, got %d registrations, %d resolutions", len(fake.Registrations), len(fake.Resolutions))
	}
	wantPath := manager.AccountKeyPath(dataDir, false, "Ops@Example.com")
	if account.KeyPath != wantPath || !strings.HasSuffix(wantPath, "staging-opsexamplecom.pem") {
		t.Errorf("key path = %q, want %q", account.KeyPath, wantPath)
	}
	info, err := os.Stat(account.KeyPath)
	if err != nil {
		t.Fatalf("account key not written: %v", err)
	}
	if info.Mode().Perm() != manager.PrivateKeyPermissions {
		t.Errorf("key permissions = %v", info.Mode().Perm())
	}

	again, err := session.EnsureAccount(context.Background(), "Ops@Example.com", false)
	if err != nil || again != account {
		t.Fatalf("expected cached account, got %v, %v", again, err)
	}
	if len(fake.Registrations)+len(fake.Resolutions) != 1 {
		t.Error("cached account must not contact the CA again")
	}

	// A fresh session finds the key on disk and resolves instead of registering
	second := newTestSession(t, fake, dataDir)
	if _, err := second.EnsureAccount(context.Background(), "Ops@Example.com", false); err != nil {
		t.Fatalf("EnsureAccount with existing key failed: %v", err)
	}
	if len(fake.Registrations) != 1 || len(fake.Resolutions) != 1 {
		t.Errorf("expected a resolution, got %d registrations, %d resolutions", len(fake.Registrations), len(fake.Resolutions))
	}
}

func TestSession_EnsureAccount_RegistrationFailure(t *testing.T) {
	dataDir := t.TempDir()
	fake := test_helpers.NewFakeACME()
	fake.RegisterErr = errors.New("urn:ietf:params:acme:error:invalidContact")
	session := newTestSession(t, fake, dataDir)

	_, err := session.EnsureAccount(context.Background(), "ops@example.com", true)
	if !common.IsErrorType(err, common.ErrorTypeAccount) {
		t.Fatalf("expected ACCOUNT error, got %v", err)
	}
	if _, statErr := os.Stat(manager.AccountKeyPath(dataDir, true, "ops@example.com")); !os.IsNotExist(statErr) {
		t.Error("key of a failed registration must not be saved")
	}
}

func TestSession_CreateOrder(t *testing.T) {
	tests := []struct {
		domain    string
		proofName string
	}{
		{"a.example.com", "_acme-challenge.a.example.com"},
		{"*.example.com", "_acme-challenge.example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			fake := test_helpers.NewFakeACME()
			session := newTestSession(t, fake, "")
			account, err := session.EnsureAccount(context.Background(), "ops@example.com", false)
			if err != nil {
				t.Fatalf("EnsureAccount failed: %v", err)
			}

			ch, order, err := session.CreateOrder(context.Background(), account, tt.domain)
			if err != nil {
				t.Fatalf("CreateOrder failed: %v", err)
			}
			if ch.ProofName != tt.proofName {
				t.Errorf("ProofName = %q, want %q", ch.ProofName, tt.proofName)
			}
			if want := manager.DNS01Value(test_helpers.KeyAuthorization(ch.Token)); ch.ProofValue != want {
				t.Errorf("ProofValue = %q, want %q", ch.ProofValue, want)
			}
			if strings.ContainsAny(ch.ProofValue, "=+/") {
				t.Errorf("ProofValue %q is not unpadded base64url", ch.ProofValue)
			}
			if order.Domain != tt.domain || order.URL == "" || order.FinalizeURL == "" {
				t.Errorf("unexpected order: %+v", order)
			}
			if ch.Status != manager.ChallengePending {
				t.Errorf("status = %s, want pending", ch.Status)
			}
		})
	}
}

func TestSession_CreateOrder_NoDNS01(t *testing.T) {
	fake := test_helpers.NewFakeACME()
	fake.NoDNS01 = true
	session := newTestSession(t, fake, "")
	account, err := session.EnsureAccount(context.Background(), "ops@example.com", false)
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}

	_, _, err = session.CreateOrder(context.Background(), account, "a.example.com")
	if !common.IsErrorType(err, common.ErrorTypeACME) {
		t.Fatalf("expected ACME error, got %v", err)
	}
}

func TestSession_AwaitChallenge(t *testing.T) {
	tests := []struct {
		name        string
		statuses    []string
		initial     string
		wantStatus  manager.ChallengeStatus
		wantErrType common.ErrorType
		wantAccepts int
		wantPolls   int
	}{
		{
			name:        "valid after polling",
			statuses:    []string{acme.StatusPending, acme.StatusProcessing, acme.StatusValid},
			wantStatus:  manager.ChallengeValid,
			wantAccepts: 1,
			wantPolls:   2,
		},
		{
			name:        "invalid",
			statuses:    []string{acme.StatusPending, acme.StatusInvalid},
			wantStatus:  manager.ChallengeInvalid,
			wantErrType: common.ErrorTypeChallengeValidation,
			wantAccepts: 1,
			wantPolls:   1,
		},
		{
			name:        "pending until attempts run out",
			statuses:    []string{acme.StatusPending},
			wantStatus:  manager.ChallengePending,
			wantErrType: common.ErrorTypeChallengeTimeout,
			wantAccepts: 1,
			wantPolls:   4,
		},
		{
			name:        "already valid",
			initial:     acme.StatusValid,
			wantStatus:  manager.ChallengeValid,
			wantAccepts: 0,
			wantPolls:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := test_helpers.NewFakeACME()
			fake.ChallengeStatuses = tt.statuses
			fake.InitialChallengeStatus = tt.initial
			session := newTestSession(t, fake, "")
			account, err := session.EnsureAccount(context.Background(), "ops@example.com", false)
			if err != nil {
				t.Fatalf("EnsureAccount failed: %v", err)
			}
			ch, _, err := session.CreateOrder(context.Background(), account, "a.example.com")
			if err != nil {
				t.Fatalf("CreateOrder failed: %v", err)
			}

			status, err := session.AwaitChallenge(context.Background(), ch)
			if status != tt.wantStatus {
				t.Errorf("status = %s, want %s", status, tt.wantStatus)
			}
			if tt.wantErrType == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
			} else if !common.IsErrorType(err, tt.wantErrType) {
				t.Errorf("expected %s error, got %v", tt.wantErrType, err)
			}
			if fake.ChallengeAccepts != tt.wantAccepts || fake.ChallengePolls != tt.wantPolls {
				t.Errorf("accepts/polls = %d/%d, want %d/%d", fake.ChallengeAccepts, fake.ChallengePolls, tt.wantAccepts, tt.wantPolls)
			}
		})
	}
}

func TestSession_AwaitChallenge_Canceled(t *testing.T) {
	fake := test_helpers.NewFakeACME()
	fake.ChallengeStatuses = []string{acme.StatusPending}
	session := newTestSession(t, fake, "")
	account, err := session.EnsureAccount(context.Background(), "ops@example.com", false)
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	ch, _, err := session.CreateOrder(context.Background(), account, "a.example.com")
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	status, err := session.AwaitChallenge(ctx, ch)
	if status != manager.ChallengePending {
		t.Errorf("status = %s, want pending", status)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got %v", err)
	}
	if common.IsErrorType(err, common.ErrorTypeChallengeTimeout) {
		t.Error("cancellation must not be reported as a challenge timeout")
	}
}

func TestSession_EnsureAccount_DirectorySelection(t *testing.T) {
	tests := []struct {
		name       string
		override   string
		production bool
		want       string
	}{
		{"staging by default", "", false, lego.LEDirectoryStaging},
		{"production", "", true, lego.LEDirectoryProduction},
		{"configured directory wins", "https://ca.test/directory", true, "https://ca.test/directory"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := test_helpers.NewFakeACME()
			session := manager.NewSession(fake, manager.SessionOptions{
				DataDir:      t.TempDir(),
				DirectoryURL: tt.override,
			}, manager.NewLogger(io.Discard, manager.LogLevelDebug))

			if _, err := session.EnsureAccount(context.Background(), "ops@example.com", tt.production); err != nil {
				t.Fatalf("EnsureAccount failed: %v", err)
			}
			if len(fake.Directories) != 1 || fake.Directories[0] != tt.want {
				t.Errorf("directories = %v, want %s", fake.Directories, tt.want)
			}
		})
	}
}

func TestSession_AwaitChallenge_TimeoutBeforeAttempts(t *testing.T) {
	fake := test_helpers.NewFakeACME()
	fake.ChallengeStatuses = []string{acme.StatusPending}
	session := manager.NewSession(fake, manager.SessionOptions{
		DataDir:              t.TempDir(),
		DirectoryURL:         "https://ca.test/directory",
		KeyType:              "ec256",
		ChallengeInterval:    20 * time.Millisecond,
		ChallengeMaxAttempts: 1_000_000,
		ChallengeTimeout:     150 * time.Millisecond,
		DownloadAttempts:     1,
		ExportPassword:       testPassword,
	}, manager.NewLogger(io.Discard, manager.LogLevelDebug))
	account, err := session.EnsureAccount(context.Background(), "ops@example.com", false)
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	ch, _, err := session.CreateOrder(context.Background(), account, "a.example.com")
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	start := time.Now()
	status, err := session.AwaitChallenge(context.Background(), ch)
	elapsed := time.Since(start)

	if status != manager.ChallengePending {
		t.Errorf("status = %s, want pending", status)
	}
	if !common.IsErrorType(err, common.ErrorTypeChallengeTimeout) {
		t.Fatalf("expected CHALLENGE_TIMEOUT error, got %v", err)
	}
	if common.IsErrorType(err, common.ErrorTypeNetwork) || common.IsErrorType(err, common.ErrorTypeValidation) {
		t.Errorf("timeout must not be reported as a context error: %v", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("challenge_timeout not honored, waited %v", elapsed)
	}
	if fake.ChallengePolls == 0 || fake.ChallengePolls > 20 {
		t.Errorf("polls = %d, want a handful bounded by the timeout", fake.ChallengePolls)
	}
}

func issueReadyOrder(t *testing.T, fake *test_helpers.FakeACME, session *manager.Session, domain string) *manager.Order {
	t.Helper()
	account, err := session.EnsureAccount(context.Background(), "ops@example.com", false)
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	ch, order, err := session.CreateOrder(context.Background(), account, domain)
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if status, err := session.AwaitChallenge(context.Background(), ch); status != manager.ChallengeValid {
		t.Fatalf("challenge not valid: %s %v", status, err)
	}
	return order
}

var testCertInfo = manager.CertInfo{Country: "CH", State: "Solothurn", Locality: "Olten", Organization: "Example Ltd"}

func TestSession_FinalizeAndDownload(t *testing.T) {
	fake := test_helpers.NewFakeACME()
	session := newTestSession(t, fake, "")
	order := issueReadyOrder(t, fake, session, "*.example.com")

	bundle, err := session.FinalizeAndDownload(context.Background(), order, "*.example.com", testCertInfo)
	if err != nil {
		t.Fatalf("FinalizeAndDownload failed: %v", err)
	}
	if bundle.Name != "start-example-com-lets" {
		t.Errorf("bundle name = %q", bundle.Name)
	}

	info, err := test_helpers.ValidateBundle(t, bundle, testPassword)
	if err != nil {
		t.Fatalf("bundle does not decode with the export password: %v", err)
	}
	if info.CommonName != "*.example.com" || !info.HasKey || info.Intermediates != 1 {
		t.Errorf("unexpected bundle contents: %+v", info)
	}
	if !info.NotAfter.Equal(bundle.NotAfter) {
		t.Errorf("bundle NotAfter %v does not match leaf %v", bundle.NotAfter, info.NotAfter)
	}
	if !test_helpers.ValidateIssuedBy(t, bundle, testPassword, fake.CA()) {
		t.Error("leaf does not chain to the CA")
	}
}

func TestSession_FinalizeAndDownload_Retry(t *testing.T) {
	tests := []struct {
		name          string
		failures      int
		wantErr       bool
		wantDownloads int
	}{
		{"succeeds on fifth attempt", 4, false, 5},
		{"fails after five attempts", 5, true, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := test_helpers.NewFakeACME()
			fake.DownloadFailures = tt.failures
			session := newTestSession(t, fake, "")
			order := issueReadyOrder(t, fake, session, "a.example.com")

			bundle, err := session.FinalizeAndDownload(context.Background(), order, "a.example.com", testCertInfo)
			if fake.Downloads != tt.wantDownloads {
				t.Errorf("downloads = %d, want %d", fake.Downloads, tt.wantDownloads)
			}
			if tt.wantErr {
				if !common.IsErrorType(err, common.ErrorTypeDownload) {
					t.Fatalf("expected CERTIFICATE_DOWNLOAD error, got %v", err)
				}
				if !strings.Contains(err.Error(), "5 attempt(s)") {
					t.Errorf("error should name the attempt count: %v", err)
				}
				return
			}
			if err != nil || bundle == nil {
				t.Fatalf("expected bundle, got %v", err)
			}
		})
	}
}

func TestSession_FinalizeAndDownload_Canceled(t *testing.T) {
	fake := test_helpers.NewFakeACME()
	session := newTestSession(t, fake, "")
	order := issueReadyOrder(t, fake, session, "a.example.com")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := session.FinalizeAndDownload(ctx, order, "a.example.com", testCertInfo)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if fake.Finalizations != 0 {
		t.Error("a cancelled context must not finalize")
	}
}
