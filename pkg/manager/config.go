package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/kaptinlin/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/oetiker/go-acme-keyvault-renewer/pkg/common"
)

// EnvPrefix is the prefix of every environment variable that overrides the config file
const EnvPrefix = "ACMEKV_"

// ZoneConfig is one DNS zone with its renewal contact and domains.
type ZoneConfig struct {
	ZoneID  string   `yaml:"zone_id" env:"ZONE_ID"`
	Email   string   `yaml:"email" env:"EMAIL"`
	Domains []string `yaml:"domains" env:"DOMAINS"`
}

// CertInfo holds the subject fields placed in every certificate signing request.
type CertInfo struct {
	Country          string `yaml:"country" env:"COUNTRY"`
	State            string `yaml:"state" env:"STATE"`
	Locality         string `yaml:"locality" env:"LOCALITY"`
	Organization     string `yaml:"organization" env:"ORGANIZATION"`
	OrganizationUnit string `yaml:"organization_unit,omitempty" env:"ORGANIZATION_UNIT"`
}

// ACMEConfig controls the ACME session.
type ACMEConfig struct {
	DirectoryURL         string        `yaml:"directory_url,omitempty" env:"DIRECTORY_URL"`
	KeyType              string        `yaml:"key_type,omitempty" env:"KEY_TYPE"`
	DataDir              string        `yaml:"data_dir,omitempty" env:"DATA_DIR"`
	PreferredChain       string        `yaml:"preferred_chain,omitempty" env:"PREFERRED_CHAIN"`
	ChallengeInterval    time.Duration `yaml:"challenge_interval,omitempty" env:"CHALLENGE_INTERVAL"`
	ChallengeMaxAttempts int           `yaml:"challenge_max_attempts,omitempty" env:"CHALLENGE_MAX_ATTEMPTS"`
	ChallengeTimeout     time.Duration `yaml:"challenge_timeout,omitempty" env:"CHALLENGE_TIMEOUT"`
	DownloadAttempts     int           `yaml:"download_attempts,omitempty" env:"DOWNLOAD_ATTEMPTS"`
	DownloadDelay        time.Duration `yaml:"download_delay,omitempty" env:"DOWNLOAD_DELAY"`
	HTTPTimeout          time.Duration `yaml:"http_timeout,omitempty" env:"HTTP_TIMEOUT"`
}

// CloudflareConfig holds the DNS provider credentials and record options.
type CloudflareConfig struct {
	APIToken           string        `yaml:"api_token,omitempty" env:"API_TOKEN"`
	APIKey             string        `yaml:"api_key,omitempty" env:"API_KEY"`
	Email              string        `yaml:"email,omitempty" env:"EMAIL"`
	RecordTTL          int           `yaml:"record_ttl,omitempty" env:"RECORD_TTL"`
	CleanupRecords     bool          `yaml:"cleanup_records,omitempty" env:"CLEANUP_RECORDS"`
	PropagationCheck   bool          `yaml:"propagation_check,omitempty" env:"PROPAGATION_CHECK"`
	Nameservers        []string      `yaml:"nameservers,omitempty" env:"NAMESERVERS"`
	PropagationTimeout time.Duration `yaml:"propagation_timeout,omitempty" env:"PROPAGATION_TIMEOUT"`
}

// KeyVaultConfig points at the Azure Key Vault that receives the certificates.
type KeyVaultConfig struct {
	URL               string `yaml:"url" env:"URL"`
	ManagedIdentityID string `yaml:"managed_identity_id,omitempty" env:"MANAGED_IDENTITY_ID"`
	ExportPassword    string `yaml:"export_password,omitempty" env:"EXPORT_PASSWORD"`
	IssuerTag         string `yaml:"issuer_tag,omitempty" env:"ISSUER_TAG"`
}

// MetricsConfig selects where run metrics are published.
type MetricsConfig struct {
	Textfile       string `yaml:"textfile,omitempty" env:"TEXTFILE"`
	PushgatewayURL string `yaml:"pushgateway_url,omitempty" env:"PUSHGATEWAY_URL"`
	Job            string `yaml:"job,omitempty" env:"JOB"`
}

// Config holds the application configuration, loaded from YAML and overlaid
// with ACMEKV_* environment variables.
type Config struct {
	Production      bool   `yaml:"production" env:"PRODUCTION"`
	RenewBeforeDays int    `yaml:"renew_before_days,omitempty" env:"RENEW_BEFORE_DAYS"`
	ZoneConcurrency int    `yaml:"zone_concurrency,omitempty" env:"ZONE_CONCURRENCY"`
	ArchiveDir      string `yaml:"archive_dir,omitempty" env:"ARCHIVE_DIR"`

	ACME       ACMEConfig       `yaml:"acme" envPrefix:"ACME_"`
	Cloudflare CloudflareConfig `yaml:"cloudflare" envPrefix:"CLOUDFLARE_"`
	KeyVault   KeyVaultConfig   `yaml:"key_vault" envPrefix:"KEY_VAULT_"`
	CertInfo   CertInfo         `yaml:"cert_info" envPrefix:"CERT_INFO_"`
	Metrics    MetricsConfig    `yaml:"metrics,omitempty" envPrefix:"METRICS_"`
	Zones      []ZoneConfig     `yaml:"zones" envPrefix:"ZONES"`

	configPath string
}

// DefaultConfig returns a Config populated with every default value.
func DefaultConfig() *Config {
	return &Config{
		RenewBeforeDays: DefaultRenewBeforeDays,
		ZoneConcurrency: 1,
		ACME: ACMEConfig{
			KeyType:              DefaultKeyType,
			DataDir:              DefaultDataDir,
			ChallengeInterval:    DefaultChallengeInterval,
			ChallengeMaxAttempts: DefaultChallengeMaxAttempts,
			ChallengeTimeout:     DefaultChallengeTimeout,
			DownloadAttempts:     DefaultDownloadAttempts,
			DownloadDelay:        DefaultDownloadDelay,
			HTTPTimeout:          DefaultHTTPTimeout,
		},
		Cloudflare: CloudflareConfig{
			RecordTTL:          DefaultRecordTTL,
			Nameservers:        []string{"1.1.1.1:53", "8.8.8.8:53"},
			PropagationTimeout: DefaultPropagationTimeout,
		},
		KeyVault: KeyVaultConfig{
			IssuerTag: DefaultIssuerTag,
		},
		Metrics: MetricsConfig{
			Job: DefaultMetricsJob,
		},
	}
}

// LoadConfig reads the YAML configuration file from the given path and
// applies the process environment on top of it.
func LoadConfig(path string) (*Config, error) {
	return LoadConfigWithEnv(path, nil)
}

// LoadConfigWithEnv is LoadConfig with an explicit environment.
// A nil environ means the process environment.
func LoadConfigWithEnv(path string, environ map[string]string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, common.WrapError(err, common.ErrorTypeConfig, "read config file",
			"Failed to read configuration file").WithResource(path)
	}

	if err := validateConfig(data); err != nil {
		return nil, common.WrapError(err, common.ErrorTypeConfig, "validate config file",
			"Configuration file does not match the schema").WithResource(path).
			AddSuggestion("Use -print-config-template to see a valid template")
	}

	cfg := DefaultConfig()
	cfg.configPath = path
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, common.WrapError(err, common.ErrorTypeConfig, "parse config file",
			"Failed to parse configuration file").WithResource(path)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return nil, common.WrapError(err, common.ErrorTypeConfig, "apply environment",
			"Failed to apply "+EnvPrefix+"* environment variables").
			AddSuggestion("Check the format of duration and number variables")
	}

	configDir := filepath.Dir(path)
	cfg.ACME.DataDir = resolvePath(configDir, cfg.ACME.DataDir)
	cfg.ArchiveDir = resolvePath(configDir, cfg.ArchiveDir)
	cfg.Metrics.Textfile = resolvePath(configDir, cfg.Metrics.Textfile)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolvePath makes a relative path relative to the config file directory
func resolvePath(configDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// Path returns the file the configuration was loaded from
func (cfg *Config) Path() string {
	return cfg.configPath
}

// RenewBefore returns the renewal threshold as a duration
func (cfg *Config) RenewBefore() time.Duration {
	days := cfg.RenewBeforeDays
	if days <= 0 {
		days = DefaultRenewBeforeDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// Validate checks the merged configuration. Schema validation of the file
// cannot cover values that only arrive through the environment.
func (cfg *Config) Validate() error {
	var problems []string

	if len(cfg.Zones) == 0 {
		problems = append(problems, "at least one entry in 'zones' is required")
	}
	for i, zone := range cfg.Zones {
		if zone.ZoneID == "" {
			problems = append(problems, fmt.Sprintf("zones[%d].zone_id is empty", i))
		}
		if !strings.Contains(zone.Email, "@") {
			problems = append(problems, fmt.Sprintf("zones[%d].email %q is not an email address", i, zone.Email))
		} else if zone.Email == "your-email@example.com" {
			problems = append(problems, fmt.Sprintf("zones[%d].email must not be the placeholder value", i))
		}
		if len(zone.Domains) == 0 {
			problems = append(problems, fmt.Sprintf("zones[%d].domains is empty", i))
		}
		for _, domain := range zone.Domains {
			if !IsValidDNSName(domain) {
				problems = append(problems, fmt.Sprintf("zones[%d]: invalid domain name %q", i, domain))
			}
		}
	}

	if !isValidKeyType(cfg.ACME.KeyType) {
		problems = append(problems, fmt.Sprintf("acme.key_type %q is not one of rsa2048, rsa3072, rsa4096, ec256, ec384", cfg.ACME.KeyType))
	}
	if cfg.ACME.ChallengeMaxAttempts < 1 || cfg.ACME.DownloadAttempts < 1 {
		problems = append(problems, "acme.challenge_max_attempts and acme.download_attempts must be at least 1")
	}
	if cfg.ZoneConcurrency < 1 {
		problems = append(problems, "zone_concurrency must be at least 1")
	}

	if cfg.Cloudflare.APIToken == "" && (cfg.Cloudflare.APIKey == "" || cfg.Cloudflare.Email == "") {
		problems = append(problems, "cloudflare.api_token (or cloudflare.api_key with cloudflare.email) is required")
	}
	if cfg.KeyVault.URL == "" {
		problems = append(problems, "key_vault.url is required")
	}
	if cfg.KeyVault.ExportPassword == "" {
		problems = append(problems, "key_vault.export_password is required")
	}

	if len(problems) == 0 {
		return nil
	}

	appErr := common.NewConfigError("validate configuration",
		"Configuration is invalid:\n - "+strings.Join(problems, "\n - ")).
		WithResource(cfg.configPath)
	return appErr.AddSuggestion("Secrets can be supplied as " + EnvPrefix + "CLOUDFLARE_API_TOKEN and " + EnvPrefix + "KEY_VAULT_EXPORT_PASSWORD")
}

// GenerateDefaultConfig writes a default config template to the provided writer.
func GenerateDefaultConfig(writer io.Writer) error {
	defaultContent := `# Configuration for acme-keyvault-renewer
#
# Every value can be overridden with an environment variable: the option path
# in upper case, prefixed with ACMEKV_ (e.g. ACMEKV_CLOUDFLARE_API_TOKEN,
# ACMEKV_KEY_VAULT_EXPORT_PASSWORD, ACMEKV_ZONES_0_DOMAINS=a.example.com,b.example.com).

# Use the Let's Encrypt production directory. When false the staging directory is used.
production: false

# Renew certificates expiring within this many days. Default: 15
renew_before_days: 15

# How many zones may be processed at the same time. Domains within a zone
# are always processed one after another. Default: 1
zone_concurrency: 1

# Optional directory where every issued PFX bundle is archived before it is
# imported. Failed imports can be retried with -import-pending.
#archive_dir: "archive"

acme:
  # directory_url overrides the production/staging choice (e.g. for a private CA)
  #directory_url: ""
  key_type: "rsa2048"        # rsa2048, rsa3072, rsa4096, ec256, ec384
  data_dir: "Data"           # account keys, relative to this file
  #preferred_chain: "ISRG Root X1"
  challenge_interval: "3s"
  challenge_max_attempts: 100
  challenge_timeout: "10m"
  download_attempts: 5
  download_delay: "3s"
  http_timeout: "30s"

cloudflare:
  # Prefer ACMEKV_CLOUDFLARE_API_TOKEN over putting the token here
  api_token: ""
  record_ttl: 120
  cleanup_records: false     # delete the TXT record after validation
  propagation_check: false   # wait until the nameservers below serve the TXT value
  nameservers: ["1.1.1.1:53", "8.8.8.8:53"]
  propagation_timeout: "2m"

key_vault:
  url: "https://my-vault.vault.azure.net/"   # <-- EDIT THIS
  #managed_identity_id: ""                   # client id of a user assigned identity
  # Prefer ACMEKV_KEY_VAULT_EXPORT_PASSWORD over putting the password here
  export_password: ""
  issuer_tag: "LetsEncrypt"

cert_info:
  country: "CH"
  state: "Solothurn"
  locality: "Olten"
  organization: "Example Ltd"
  #organization_unit: "IT"

#metrics:
#  textfile: "/var/lib/node_exporter/acme-keyvault-renewer.prom"
#  pushgateway_url: "http://pushgateway:9091"
#  job: "acme-keyvault-renewer"

zones:
  - zone_id: "023e105f4ecef8ad9ca31a8372d0c353"   # <-- EDIT THIS
    email: "your-email@example.com"              # <-- EDIT THIS
    domains:
      - example.com
      - "*.example.com"
`
	_, err := writer.Write([]byte(defaultContent))
	if err != nil {
		return fmt.Errorf("writing default config: %w", err)
	}
	return nil
}

// isValidKeyType checks if a key type is valid for certificate usage
func isValidKeyType(keyType string) bool {
	switch keyType {
	case "rsa2048", "rsa3072", "rsa4096", "ec256", "ec384":
		return true
	}
	return false
}

// validateConfig validates the configuration against the JSON schema.
// It returns nil if the configuration is valid, or an error with validation messages otherwise.
func validateConfig(config []byte) error {
	var yamlObj interface{}
	if err := yaml.Unmarshal(config, &yamlObj); err != nil {
		return fmt.Errorf("error parsing YAML: %w", err)
	}
	if yamlObj == nil {
		yamlObj = map[string]interface{}{}
	}

	jsonData, err := json.Marshal(yamlObj)
	if err != nil {
		return fmt.Errorf("error converting YAML to JSON: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(ConfigSchema))
	if err != nil {
		return fmt.Errorf("schema compilation error: %w", err)
	}

	var instance interface{}
	if err := json.Unmarshal(jsonData, &instance); err != nil {
		return fmt.Errorf("error parsing JSON for validation: %w", err)
	}

	result := schema.Validate(instance)
	if !result.IsValid() {
		return FormatValidationError(result)
	}

	return nil
}
