package manager

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ArchiveEntry is the metadata written next to an archived bundle
type ArchiveEntry struct {
	Domain   string    `json:"domain"`
	Name     string    `json:"name"`
	Serial   string    `json:"serial"`
	NotAfter time.Time `json:"not_after"`
	IssuedAt time.Time `json:"issued_at"`
	Imported bool      `json:"imported"`
}

// BundleArchive keeps a local copy of every issued bundle, so an import that
// failed can be repeated without asking the CA for a new certificate.
type BundleArchive struct {
	Dir string
}

// NewBundleArchive returns an archive rooted at dir
func NewBundleArchive(dir string) *BundleArchive {
	return &BundleArchive{Dir: dir}
}

func (a *BundleArchive) pfxPath(name string) string {
	return filepath.Join(a.Dir, name+".pfx")
}

func (a *BundleArchive) metaPath(name string) string {
	return filepath.Join(a.Dir, name+".json")
}

// Save writes <name>.pfx and <name>.json, replacing an older bundle of the same name
func (a *BundleArchive) Save(bundle *CertificateBundle) error {
	if err := os.MkdirAll(a.Dir, DirPermissions); err != nil {
		return fmt.Errorf("creating archive directory %s: %w", a.Dir, err)
	}

	pfxFile := a.pfxPath(bundle.Name)
	if err := os.WriteFile(pfxFile, bundle.PFX, PrivateKeyPermissions); err != nil {
		return fmt.Errorf("writing bundle %s: %w", pfxFile, err)
	}

	entry := ArchiveEntry{
		Domain:   bundle.Domain,
		Name:     bundle.Name,
		Serial:   bundle.SerialNumber,
		NotAfter: bundle.NotAfter,
		IssuedAt: time.Now().UTC(),
	}
	if err := a.writeEntry(entry); err != nil {
		return err
	}
	DefaultLogger.Debugf("Archived bundle %s to %s", bundle.Name, pfxFile)
	return nil
}

func (a *BundleArchive) writeEntry(entry ArchiveEntry) error {
	jsonBytes, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling archive metadata for %s: %w", entry.Name, err)
	}
	metaFile := a.metaPath(entry.Name)
	if err := os.WriteFile(metaFile, jsonBytes, CertificatePermissions); err != nil {
		return fmt.Errorf("writing archive metadata %s: %w", metaFile, err)
	}
	return nil
}

// MarkImported records that the archived bundle reached the secret store
func (a *BundleArchive) MarkImported(name string) error {
	entry, err := a.loadEntry(name)
	if err != nil {
		return err
	}
	entry.Imported = true
	return a.writeEntry(*entry)
}

func (a *BundleArchive) loadEntry(name string) (*ArchiveEntry, error) {
	metaFile := a.metaPath(name)
	data, err := os.ReadFile(metaFile)
	if err != nil {
		return nil, fmt.Errorf("reading archive metadata %s: %w", metaFile, err)
	}
	var entry ArchiveEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("parsing archive metadata %s: %w", metaFile, err)
	}
	return &entry, nil
}

// Pending lists archived entries that were never imported, sorted by name.
// A missing archive directory has no pending entries.
func (a *BundleArchive) Pending() ([]ArchiveEntry, error) {
	files, err := os.ReadDir(a.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading archive directory %s: %w", a.Dir, err)
	}

	var pending []ArchiveEntry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		entry, err := a.loadEntry(strings.TrimSuffix(f.Name(), ".json"))
		if err != nil {
			DefaultLogger.Warnf("Skipping unreadable archive entry %s: %v", f.Name(), err)
			continue
		}
		if !entry.Imported {
			pending = append(pending, *entry)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Name < pending[j].Name })
	return pending, nil
}

// Load rebuilds the bundle of an archived entry
func (a *BundleArchive) Load(entry ArchiveEntry) (*CertificateBundle, error) {
	pfxFile := a.pfxPath(entry.Name)
	pfx, err := os.ReadFile(pfxFile)
	if err != nil {
		return nil, fmt.Errorf("reading bundle %s: %w", pfxFile, err)
	}
	return &CertificateBundle{
		Name:         entry.Name,
		Domain:       entry.Domain,
		PFX:          pfx,
		NotAfter:     entry.NotAfter,
		SerialNumber: entry.Serial,
	}, nil
}
