package manager

import "time"

// Constants for file permissions
const (
	// DirPermissions defines permissions for directories (0750)
	DirPermissions = 0750

	// PrivateKeyPermissions defines permissions for private key and bundle files (0600)
	PrivateKeyPermissions = 0600

	// CertificatePermissions defines permissions for public metadata files (0644)
	CertificatePermissions = 0644
)

// Renewal defaults
const (
	// DefaultRenewBeforeDays is how long before expiry a certificate is renewed
	DefaultRenewBeforeDays = 15

	// DefaultKeyType is the key type of issued certificates
	DefaultKeyType = "rsa2048"

	// DefaultDataDir holds the ACME account keys, relative to the config file
	DefaultDataDir = "Data"

	// DefaultChallengeInterval is the pause between challenge polls
	DefaultChallengeInterval = 3 * time.Second
	// DefaultChallengeMaxAttempts bounds the number of challenge polls
	DefaultChallengeMaxAttempts = 100
	// DefaultChallengeTimeout bounds the total time spent waiting for a challenge
	DefaultChallengeTimeout = 10 * time.Minute

	// DefaultDownloadAttempts is the number of certificate download attempts
	DefaultDownloadAttempts = 5
	// DefaultDownloadDelay is the pause after a failed download attempt
	DefaultDownloadDelay = 3 * time.Second

	// DefaultHTTPTimeout is the default timeout for HTTP requests to the ACME server
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultRecordTTL is the TTL of DNS-01 TXT records in seconds
	DefaultRecordTTL = 120

	// DefaultPropagationTimeout bounds the optional TXT propagation check
	DefaultPropagationTimeout = 2 * time.Minute
	// DefaultPropagationInterval is the pause between propagation queries
	DefaultPropagationInterval = 5 * time.Second

	// DefaultIssuerTag is stored as the issuer tag of imported certificates
	DefaultIssuerTag = "LetsEncrypt"

	// CertificateNameSuffix is appended to every secret store certificate name
	CertificateNameSuffix = "-lets"

	// DefaultMetricsJob is the Pushgateway job name
	DefaultMetricsJob = "acme-keyvault-renewer"
)
