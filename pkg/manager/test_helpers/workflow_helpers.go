package test_helpers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oetiker/go-acme-keyvault-renewer/pkg/common"
	"github.com/oetiker/go-acme-keyvault-renewer/pkg/manager"
)

// WriteTestConfig writes a test configuration file
func WriteTestConfig(path string, config *manager.Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// FakeRecordStore implements manager.RecordStore in memory
type FakeRecordStore struct {
	mu      sync.Mutex
	nextID  int
	Records map[string][]manager.DNSRecord // by name

	UpsertErr error
	DeleteErr error
	// FailNames makes upserts of these record names fail.
	FailNames map[string]bool

	Upserts []manager.DNSRecord
	Deletes []string
}

// NewFakeRecordStore creates an empty record store
func NewFakeRecordStore() *FakeRecordStore {
	return &FakeRecordStore{
		Records:   make(map[string][]manager.DNSRecord),
		FailNames: make(map[string]bool),
	}
}

// UpsertRecord implements manager.RecordStore
func (s *FakeRecordStore) UpsertRecord(_ context.Context, zoneID, name, value string) (manager.DNSRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.UpsertErr != nil {
		return manager.DNSRecord{}, s.UpsertErr
	}
	if s.FailNames[name] {
		return manager.DNSRecord{}, common.NewChallengePublishError(fmt.Errorf("zone %s rejected %s", zoneID, name),
			"create TXT record", "Failed to create the TXT record")
	}

	existing := s.Records[name]
	switch len(existing) {
	case 0:
		s.nextID++
		rec := manager.DNSRecord{ID: fmt.Sprintf("rec-%d", s.nextID), ZoneID: zoneID, Name: name, Content: value, TTL: manager.DefaultRecordTTL}
		s.Records[name] = []manager.DNSRecord{rec}
		s.Upserts = append(s.Upserts, rec)
		return rec, nil
	case 1:
		rec := existing[0]
		rec.Content = value
		s.Records[name] = []manager.DNSRecord{rec}
		s.Upserts = append(s.Upserts, rec)
		return rec, nil
	default:
		return manager.DNSRecord{}, common.NewApplicationError(common.ErrorTypeAmbiguousDNS, "upsert TXT record",
			fmt.Sprintf("found %d TXT records named %s", len(existing), name))
	}
}

// DeleteRecord implements manager.RecordStore
func (s *FakeRecordStore) DeleteRecord(_ context.Context, _, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	s.Deletes = append(s.Deletes, recordID)
	for name, records := range s.Records {
		kept := records[:0]
		for _, r := range records {
			if r.ID != recordID {
				kept = append(kept, r)
			}
		}
		s.Records[name] = kept
	}
	return nil
}

// UpsertCount returns the number of successful upserts
func (s *FakeRecordStore) UpsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Upserts)
}

// FakeSecretStore implements manager.SecretStore in memory
type FakeSecretStore struct {
	mu          sync.Mutex
	Expirations map[string]time.Time // by certificate name
	Bundles     map[string]*manager.CertificateBundle

	ImportErr error
	// FailImports makes imports for these domains fail.
	FailImports map[string]bool

	Lookups []string
	Imports []string
}

// NewFakeSecretStore creates an empty secret store
func NewFakeSecretStore() *FakeSecretStore {
	return &FakeSecretStore{
		Expirations: make(map[string]time.Time),
		Bundles:     make(map[string]*manager.CertificateBundle),
		FailImports: make(map[string]bool),
	}
}

// SetExpiration stores an existing certificate for domain
func (s *FakeSecretStore) SetExpiration(domain string, expires time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Expirations[manager.CertificateName(domain)] = expires
}

// GetCurrentExpiration implements manager.SecretStore
func (s *FakeSecretStore) GetCurrentExpiration(_ context.Context, domain string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Lookups = append(s.Lookups, domain)
	expires, ok := s.Expirations[manager.CertificateName(domain)]
	return expires, ok
}

// ImportCertificate implements manager.SecretStore
func (s *FakeSecretStore) ImportCertificate(_ context.Context, domain string, bundle *manager.CertificateBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ImportErr != nil {
		return common.NewImportError(s.ImportErr, "import certificate", "Key Vault rejected the certificate")
	}
	if s.FailImports[domain] {
		return common.NewImportError(fmt.Errorf("forbidden"), "import certificate", "Key Vault rejected the certificate")
	}
	name := manager.CertificateName(domain)
	s.Bundles[name] = bundle
	s.Expirations[name] = bundle.NotAfter
	s.Imports = append(s.Imports, domain)
	return nil
}

// ImportCount returns the number of successful imports
func (s *FakeSecretStore) ImportCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Imports)
}
