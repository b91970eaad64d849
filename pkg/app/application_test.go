package app

import (
	"bytes"
	"context"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oetiker/go-acme-keyvault-renewer/pkg/common"
	"github.com/oetiker/go-acme-keyvault-renewer/pkg/manager"
	"github.com/oetiker/go-acme-keyvault-renewer/pkg/manager/test_helpers"
)

const appTestConfig = `
production: false
acme:
  key_type: "ec256"
  data_dir: "state"
  challenge_interval: "1ms"
  challenge_max_attempts: 5
  download_delay: "1ms"
key_vault:
  url: "https://unit-test.vault.azure.net/"
cert_info:
  country: "CH"
  organization: "Example Ltd"
zones:
  - zone_id: "zone-1"
    email: "ops@example.net"
    domains: ["a.example.net", "b.example.net"]
`

// newTestApplication returns an application with its own flag set and output buffer
func newTestApplication(t *testing.T, args ...string) (*Application, *bytes.Buffer) {
	t.Helper()
	app := NewApplication("test-version")
	var out bytes.Buffer
	app.out = &out
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	app.SetupFlagSet(fs)
	if err := app.ParseArgs(args); err != nil {
		t.Fatalf("ParseArgs(%v) failed: %v", args, err)
	}
	return app, &out
}

// unsetAfterTest removes variables set by godotenv once the test is done
func unsetAfterTest(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		if _, ok := os.LookupEnv(key); ok {
			t.Fatalf("%s must not be set when running the tests", key)
		}
		t.Cleanup(func() { os.Unsetenv(key) })
	}
}

func TestApplication_ParseArgs(t *testing.T) {
	app, _ := newTestApplication(t,
		"-config", "/etc/renewer.yaml",
		"-dry-run",
		"-domain", "a.example.com,b.example.com",
		"-domain", "c.example.com",
		"-log-format", "json",
		"-quiet",
	)

	if app.config.ConfigPath != "/etc/renewer.yaml" {
		t.Errorf("ConfigPath = %q", app.config.ConfigPath)
	}
	if !app.config.DryRun || !app.config.QuietMode || app.config.LogFormat != "json" {
		t.Errorf("flags not applied: %+v", app.config)
	}
	want := []string{"a.example.com", "b.example.com", "c.example.com"}
	if strings.Join(app.config.Domains, " ") != strings.Join(want, " ") {
		t.Errorf("Domains = %v, want %v", app.config.Domains, want)
	}
}

func TestApplication_ParseArgs_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"-auto"}},
		{"positional argument", []string{"cert@example.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := NewApplication("test-version")
			fs := flag.NewFlagSet("test", flag.ContinueOnError)
			fs.SetOutput(io.Discard)
			app.SetupFlagSet(fs)
			err := app.ParseArgs(tt.args)
			if !common.IsErrorType(err, common.ErrorTypeValidation) {
				t.Errorf("expected VALIDATION error, got %v", err)
			}
		})
	}
}

func TestApplication_HandleVersionFlag(t *testing.T) {
	app, out := newTestApplication(t, "-version")

	if !app.HandleVersionFlag() {
		t.Fatal("Expected HandleVersionFlag to return true when -version is set")
	}
	if !strings.Contains(out.String(), "acme-keyvault-renewer test-version") {
		t.Errorf("unexpected version output: %q", out.String())
	}

	app.config.ShowVersion = false
	if app.HandleVersionFlag() {
		t.Error("Expected HandleVersionFlag to return false when ShowVersion is not set")
	}
}

func TestApplication_SetupLogger(t *testing.T) {
	tests := []struct {
		name      string
		logLevel  string
		logFormat string
		wantErr   bool
	}{
		{name: "defaults"},
		{name: "debug", logLevel: "debug"},
		{name: "warning alias", logLevel: "warning"},
		{name: "json format", logFormat: "json"},
		{name: "ascii format", logFormat: "ascii"},
		{name: "invalid level", logLevel: "verbose", wantErr: true},
		{name: "invalid format", logFormat: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := NewApplication("test-version")
			app.config.LogLevel = tt.logLevel
			app.config.LogFormat = tt.logFormat

			err := app.SetupLogger()
			if (err != nil) != tt.wantErr {
				t.Fatalf("SetupLogger() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && app.logger == nil {
				t.Error("logger must be set")
			}
		})
	}
}

func TestApplication_HandleConfigTemplate(t *testing.T) {
	app, out := newTestApplication(t, "-print-config-template")

	handled, err := app.HandleConfigTemplate()
	if !handled || err != nil {
		t.Fatalf("HandleConfigTemplate = %v, %v", handled, err)
	}
	for _, want := range []string{"# Default configuration template:", "zones:", "key_vault:"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("template output missing %q", want)
		}
	}

	app.config.PrintConfigTemplate = false
	if handled, _ := app.HandleConfigTemplate(); handled {
		t.Error("template must only be printed when requested")
	}
}

func TestApplication_LoadConfigurationWithContext(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(appTestConfig), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ACMEKV_CLOUDFLARE_API_TOKEN", "cf-token")
	t.Setenv("ACMEKV_KEY_VAULT_EXPORT_PASSWORD", "export-pw")

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	expired, cancelExpired := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancelExpired()

	tests := []struct {
		name     string
		ctx      context.Context
		path     string
		domains  []string
		wantType common.ErrorType
	}{
		{name: "valid", ctx: context.Background(), path: configPath},
		{name: "domain filter", ctx: context.Background(), path: configPath, domains: []string{"b.example.net"}},
		{name: "unknown domain", ctx: context.Background(), path: configPath, domains: []string{"c.example.net"}, wantType: common.ErrorTypeValidation},
		{name: "missing file", ctx: context.Background(), path: filepath.Join(dir, "missing.yaml"), wantType: common.ErrorTypeConfig},
		{name: "cancelled", ctx: cancelled, path: configPath, wantType: common.ErrorTypeValidation},
		{name: "timed out", ctx: expired, path: configPath, wantType: common.ErrorTypeNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := NewApplication("test-version")
			app.logger = manager.NewLogger(io.Discard, manager.LogLevelDebug)
			app.config.ConfigPath = tt.path
			app.config.Domains = tt.domains

			cfg, err := app.LoadConfigurationWithContext(tt.ctx)
			if tt.wantType != "" {
				if !common.IsErrorType(err, tt.wantType) {
					t.Fatalf("expected %s error, got %v", tt.wantType, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadConfigurationWithContext failed: %v", err)
			}
			if cfg.ACME.DataDir != filepath.Join(dir, "state") {
				t.Errorf("data dir = %q", cfg.ACME.DataDir)
			}
		})
	}
}

func TestApplication_LoadEnvFile(t *testing.T) {
	unsetAfterTest(t, "ACMEKV_TEST_ONLY_VALUE")
	envFile := filepath.Join(t.TempDir(), "renewer.env")
	if err := os.WriteFile(envFile, []byte("ACMEKV_TEST_ONLY_VALUE=from-file\n"), 0600); err != nil {
		t.Fatal(err)
	}

	app := NewApplication("test-version")
	app.logger = manager.NewLogger(io.Discard, manager.LogLevelDebug)
	app.config.EnvFile = envFile
	if err := app.LoadEnvFile(); err != nil {
		t.Fatalf("LoadEnvFile failed: %v", err)
	}
	if got := os.Getenv("ACMEKV_TEST_ONLY_VALUE"); got != "from-file" {
		t.Errorf("variable = %q", got)
	}

	app.config.EnvFile = filepath.Join(t.TempDir(), "missing.env")
	if err := app.LoadEnvFile(); !common.IsErrorType(err, common.ErrorTypeConfig) {
		t.Errorf("expected CONFIG error, got %v", err)
	}
}

// useFakeBackends swaps DefaultBackendFactory for the duration of a test
func useFakeBackends(t *testing.T) (*test_helpers.FakeACME, *test_helpers.FakeRecordStore, *test_helpers.FakeSecretStore) {
	t.Helper()
	acme := test_helpers.NewFakeACME()
	records := test_helpers.NewFakeRecordStore()
	store := test_helpers.NewFakeSecretStore()

	original := DefaultBackendFactory
	t.Cleanup(func() { DefaultBackendFactory = original })
	DefaultBackendFactory = func(cfg *manager.Config, userAgent string, _ common.LoggerInterface) (*Backends, error) {
		if !strings.HasPrefix(userAgent, ProgramName+"/") {
			t.Errorf("user agent = %q", userAgent)
		}
		return &Backends{ACME: acme, Records: records, Store: store}, nil
	}
	return acme, records, store
}

func TestApplication_Run(t *testing.T) {
	dir := t.TempDir()
	metricsFile := filepath.Join(dir, "renewer.prom")
	configPath := filepath.Join(dir, "config.yaml")
	config := appTestConfig + "metrics:\n  textfile: \"" + metricsFile + "\"\n"
	if err := os.WriteFile(configPath, []byte(config), 0600); err != nil {
		t.Fatal(err)
	}
	envFile := filepath.Join(dir, "secrets.env")
	if err := os.WriteFile(envFile, []byte("ACMEKV_CLOUDFLARE_API_TOKEN=cf-token\nACMEKV_KEY_VAULT_EXPORT_PASSWORD=export-pw\n"), 0600); err != nil {
		t.Fatal(err)
	}
	unsetAfterTest(t, "ACMEKV_CLOUDFLARE_API_TOKEN", "ACMEKV_KEY_VAULT_EXPORT_PASSWORD")

	acme, records, store := useFakeBackends(t)
	store.SetExpiration("b.example.net", time.Now().Add(60*24*time.Hour))

	app, _ := newTestApplication(t, "-config", configPath, "-env-file", envFile, "-log-level", "error")
	if err := app.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	summary := app.Summary()
	if summary == nil || summary.Renewed != 1 || summary.Skipped != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(acme.OrderedDomains) != 1 || acme.OrderedDomains[0] != "a.example.net" {
		t.Errorf("ordered domains = %v", acme.OrderedDomains)
	}
	if records.UpsertCount() != 1 || store.ImportCount() != 1 {
		t.Errorf("upserts=%d imports=%d", records.UpsertCount(), store.ImportCount())
	}
	bundle := store.Bundles[manager.CertificateName("a.example.net")]
	if bundle == nil {
		t.Fatal("certificate not imported")
	}
	if _, err := test_helpers.ValidateBundle(t, bundle, "export-pw"); err != nil {
		t.Errorf("bundle is not protected by the export password: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "state", "staging-opsexamplenet.pem")); err != nil {
		t.Errorf("account key not saved next to the config: %v", err)
	}
	if data, err := os.ReadFile(metricsFile); err != nil || !strings.Contains(string(data), `acme_keyvault_renewer_domains_total{outcome="renewed"} 1`) {
		t.Errorf("metrics textfile not written: %v\n%s", err, data)
	}

	select {
	case <-app.done:
	case <-time.After(time.Second):
		t.Error("Run must shut the application down when it returns")
	}
}

func TestApplication_Run_ReportsFailures(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(appTestConfig), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ACMEKV_CLOUDFLARE_API_TOKEN", "cf-token")
	t.Setenv("ACMEKV_KEY_VAULT_EXPORT_PASSWORD", "export-pw")

	acme, _, store := useFakeBackends(t)
	acme.FailDomains["a.example.net"] = true

	app, _ := newTestApplication(t, "-config", configPath, "-log-level", "error")
	err := app.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "1 of 2 domains failed") {
		t.Fatalf("expected run failure, got %v", err)
	}
	if !common.IsErrorType(err, common.ErrorTypeChallengeValidation) {
		t.Errorf("structured error lost: %v", err)
	}
	if store.ImportCount() != 1 {
		t.Errorf("sibling domain must still be imported, imports = %d", store.ImportCount())
	}
}

func TestApplication_Run_DryRun(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(appTestConfig), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ACMEKV_CLOUDFLARE_API_TOKEN", "cf-token")
	t.Setenv("ACMEKV_KEY_VAULT_EXPORT_PASSWORD", "export-pw")

	acme, records, _ := useFakeBackends(t)

	app, _ := newTestApplication(t, "-config", configPath, "-dry-run", "-domain", "a.example.net", "-log-level", "error")
	if err := app.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if s := app.Summary(); s.Checked != 1 || s.Results[0].Outcome != OutcomeWouldRenew {
		t.Errorf("unexpected summary: %+v", s)
	}
	if len(acme.Registrations) != 0 || records.UpsertCount() != 0 {
		t.Error("dry run must not contact the CA or DNS")
	}
}

func TestApplication_Shutdown(t *testing.T) {
	app := NewApplication("test-version")

	waitDone := make(chan struct{})
	go func() {
		app.WaitForShutdown()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		t.Fatal("WaitForShutdown should not complete before Shutdown")
	case <-time.After(50 * time.Millisecond):
	}

	app.Shutdown()
	app.Shutdown()

	select {
	case <-waitDone:
	case <-time.After(100 * time.Millisecond):
		t.Error("WaitForShutdown should complete after Shutdown()")
	}
}
