package manager

import (
	"strings"
)

// ACME challenge prefix for DNS validation
const acmeChallengePrefix = "_acme-challenge"

// IsValidDNSName validates a domain name according to RFC 1035 standards
// - Labels (parts between dots) can contain letters, digits, and hyphens
// - Labels can't start or end with hyphens
// - Labels can't be longer than 63 characters
// - The total domain name length can't exceed 253 characters
// - Special case: we allow wildcard domains only in the format "*.domain.tld"
func IsValidDNSName(domain string) bool {
	if strings.HasPrefix(domain, "*.") {
		baseDomain := strings.TrimPrefix(domain, "*.")
		if baseDomain == "" || strings.Contains(baseDomain, "*") {
			return false
		}
		return isValidBaseDNSName(baseDomain)
	}

	return isValidBaseDNSName(domain)
}

// isValidBaseDNSName validates a non-wildcard domain name according to RFC 1035
func isValidBaseDNSName(domain string) bool {
	if len(domain) == 0 || len(domain) > 253 {
		return false
	}

	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return false
	}

	for _, label := range labels {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if !isAlphaNumeric(rune(label[0])) || !isAlphaNumeric(rune(label[len(label)-1])) {
			return false
		}
		for _, char := range label {
			if !isAlphaNumeric(char) && char != '-' {
				return false
			}
		}
	}

	return true
}

// isAlphaNumeric checks if a rune is an ASCII letter or digit
func isAlphaNumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// GetBaseDomain strips a literal leading "*." from a wildcard domain
func GetBaseDomain(domain string) string {
	return strings.TrimPrefix(domain, "*.")
}

// ProofName returns the name of the DNS-01 TXT record for a domain.
// Both "*.example.com" and "example.com" map to "_acme-challenge.example.com".
func ProofName(domain string) string {
	return acmeChallengePrefix + "." + GetBaseDomain(domain)
}

// CertificateName derives the secret store name for a domain: "*" becomes
// "start", every character outside [A-Za-z0-9-] becomes "-", and the
// fixed suffix is appended. "*.example.com" yields "start-example-com-lets".
func CertificateName(domain string) string {
	var b strings.Builder
	b.Grow(len(domain) + len(CertificateNameSuffix) + 4)
	for _, r := range domain {
		switch {
		case r == '*':
			b.WriteString("start")
		case isAlphaNumeric(r) || r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	b.WriteString(CertificateNameSuffix)
	return b.String()
}
