package manager

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBundleArchive_SaveAndPending(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "archive")
	archive := NewBundleArchive(dir)
	notAfter := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	for _, domain := range []string{"b.example.com", "a.example.com"} {
		bundle := &CertificateBundle{
			Name:         CertificateName(domain),
			Domain:       domain,
			PFX:          []byte("pfx-" + domain),
			NotAfter:     notAfter,
			SerialNumber: "01",
		}
		if err := archive.Save(bundle); err != nil {
			t.Fatalf("Save(%s) failed: %v", domain, err)
		}
	}

	info, err := os.Stat(filepath.Join(dir, "a-example-com-lets.pfx"))
	if err != nil {
		t.Fatalf("bundle file missing: %v", err)
	}
	if info.Mode().Perm() != PrivateKeyPermissions {
		t.Errorf("bundle permissions = %v, want %v", info.Mode().Perm(), os.FileMode(PrivateKeyPermissions))
	}

	pending, err := archive.Pending()
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 2 || pending[0].Name != "a-example-com-lets" || pending[1].Name != "b-example-com-lets" {
		t.Fatalf("unexpected pending entries: %+v", pending)
	}

	if err := archive.MarkImported("a-example-com-lets"); err != nil {
		t.Fatalf("MarkImported failed: %v", err)
	}
	pending, err = archive.Pending()
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Domain != "b.example.com" {
		t.Fatalf("expected only b.example.com pending, got %+v", pending)
	}

	bundle, err := archive.Load(pending[0])
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(bundle.PFX) != "pfx-b.example.com" || !bundle.NotAfter.Equal(notAfter) {
		t.Errorf("unexpected loaded bundle: %+v", bundle)
	}
}

func TestBundleArchive_MissingDirectory(t *testing.T) {
	archive := NewBundleArchive(filepath.Join(t.TempDir(), "nope"))
	pending, err := archive.Pending()
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected empty pending list, got %v, %v", pending, err)
	}
	if err := archive.MarkImported("missing"); err == nil {
		t.Error("expected error marking a missing entry")
	}
}
