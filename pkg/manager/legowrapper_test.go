package manager

import (
	"bytes"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/platform/tester"
)

func TestRawChainPEM(t *testing.T) {
	notAfter := time.Now().Add(24 * time.Hour)
	leaf, _ := selfSignedChain(t, "a.example.com", notAfter)
	issuer, _ := selfSignedChain(t, "Fake Intermediate", notAfter)

	t.Run("leaf only gets issuer appended", func(t *testing.T) {
		got := rawChainPEM(&acme.RawCertificate{Cert: leaf, Issuer: issuer})
		certs, err := certcrypto.ParsePEMBundle(got)
		if err != nil || len(certs) != 2 {
			t.Fatalf("expected two certificates, got %d (%v)", len(certs), err)
		}
	})

	t.Run("bundled chain is returned unchanged", func(t *testing.T) {
		bundled := append(append([]byte{}, leaf...), issuer...)
		got := rawChainPEM(&acme.RawCertificate{Cert: bundled, Issuer: issuer})
		if !bytes.Equal(got, bundled) {
			t.Error("bundled chain must not be modified")
		}
	})

	t.Run("missing issuer", func(t *testing.T) {
		if got := rawChainPEM(&acme.RawCertificate{Cert: leaf}); !bytes.Equal(got, leaf) {
			t.Error("leaf without issuer must be returned as is")
		}
	})
}

func TestSelectPreferredChain(t *testing.T) {
	notAfter := time.Now().Add(24 * time.Hour)
	x1, _ := selfSignedChain(t, "ISRG Root X1", notAfter)
	x2, _ := selfSignedChain(t, "ISRG Root X2", notAfter)
	chains := map[string]*acme.RawCertificate{
		"https://ca.test/cert/1":   {Cert: x1},
		"https://ca.test/cert/1/1": {Cert: x2},
	}

	if got := selectPreferredChain(chains, "ISRG Root X2"); !bytes.Equal(got, x2) {
		t.Error("expected the X2 chain")
	}
	if got := selectPreferredChain(chains, "Unknown Root"); got != nil {
		t.Error("expected no chain for an unknown issuer")
	}
}

func TestNewLegoProvider_DefaultTimeout(t *testing.T) {
	p := NewLegoProvider("renewer-test/1.0", 0)
	if p.HTTPClient.Timeout != DefaultHTTPTimeout {
		t.Errorf("timeout = %v, want %v", p.HTTPClient.Timeout, DefaultHTTPTimeout)
	}
	if p.UserAgent != "renewer-test/1.0" {
		t.Errorf("user agent = %q", p.UserAgent)
	}
}

// acmeDirectory extends lego's stub ACME server with an account endpoint
// that records the decoded JWS payloads it receives
type acmeDirectory struct {
	mux *http.ServeMux
	url string

	mu       sync.Mutex
	payloads []string
}

func newACMEDirectory(t *testing.T) *acmeDirectory {
	t.Helper()
	mux, url := tester.SetupFakeAPI(t)
	d := &acmeDirectory{mux: mux, url: url}

	mux.HandleFunc("/account", func(w http.ResponseWriter, r *http.Request) {
		var jws struct {
			Payload string `json:"payload"`
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &jws); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		payload, _ := base64.RawURLEncoding.DecodeString(jws.Payload)
		d.mu.Lock()
		d.payloads = append(d.payloads, string(payload))
		d.mu.Unlock()

		w.Header().Set("Location", url+"/acct/1")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"status":"valid"}`))
	})
	return d
}

func (d *acmeDirectory) accountPayloads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.payloads...)
}

// serveChain answers a certificate URL with body and optional Link headers
func (d *acmeDirectory) serveChain(path string, body []byte, links ...string) {
	d.mux.HandleFunc(path, func(w http.ResponseWriter, _ *http.Request) {
		for _, link := range links {
			w.Header().Add("Link", link)
		}
		w.Header().Set("Content-Type", "application/pem-certificate-chain")
		_, _ = w.Write(body)
	})
}

func testAccountKey(t *testing.T) crypto.PrivateKey {
	t.Helper()
	key, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func TestLegoProvider_RegisterAndResolve(t *testing.T) {
	provider := NewLegoProvider("renewer-test/1.0", 5*time.Second)

	t.Run("register agrees to the terms", func(t *testing.T) {
		dir := newACMEDirectory(t)
		if _, err := provider.Register(dir.url+"/dir", "ops@example.com", testAccountKey(t)); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		payloads := dir.accountPayloads()
		if len(payloads) != 1 || !strings.Contains(payloads[0], `"termsOfServiceAgreed":true`) ||
			!strings.Contains(payloads[0], "mailto:ops@example.com") {
			t.Errorf("unexpected account request: %v", payloads)
		}
	})

	t.Run("resolve only returns existing accounts", func(t *testing.T) {
		dir := newACMEDirectory(t)
		if _, err := provider.Resolve(dir.url+"/dir", "ops@example.com", testAccountKey(t)); err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		payloads := dir.accountPayloads()
		if len(payloads) != 1 || !strings.Contains(payloads[0], `"onlyReturnExisting":true`) {
			t.Errorf("unexpected account request: %v", payloads)
		}
	})

	t.Run("unreachable directory", func(t *testing.T) {
		dir := newACMEDirectory(t)
		if _, err := provider.Register(dir.url+"/missing", "ops@example.com", testAccountKey(t)); err == nil {
			t.Fatal("expected an error for a missing directory")
		}
	})
}

func TestLegoClient_DownloadCertificate(t *testing.T) {
	notAfter := time.Now().Add(90 * 24 * time.Hour)
	leaf, _ := selfSignedChain(t, "a.example.com", notAfter)
	rootX1, _ := selfSignedChain(t, "Test Root X1", notAfter)
	rootX2, _ := selfSignedChain(t, "Test Root X2", notAfter)

	tests := []struct {
		name           string
		preferredChain string
		setup          func(d *acmeDirectory)
		wantCerts      int
		wantTopIssuer  string
	}{
		{
			name: "leaf only",
			setup: func(d *acmeDirectory) {
				d.serveChain("/cert/1", leaf)
			},
			wantCerts:     1,
			wantTopIssuer: "a.example.com",
		},
		{
			name: "bundled chain",
			setup: func(d *acmeDirectory) {
				d.serveChain("/cert/1", append(append([]byte{}, leaf...), rootX1...))
			},
			wantCerts:     2,
			wantTopIssuer: "Test Root X1",
		},
		{
			name:           "preferred alternate chain",
			preferredChain: "Test Root X2",
			setup: func(d *acmeDirectory) {
				d.serveChain("/cert/1", append(append([]byte{}, leaf...), rootX1...), "<"+d.url+`/cert/2>; rel="alternate"`)
				d.serveChain("/cert/2", append(append([]byte{}, leaf...), rootX2...))
			},
			wantCerts:     2,
			wantTopIssuer: "Test Root X2",
		},
		{
			name:           "preferred chain not offered",
			preferredChain: "Unknown Root",
			setup: func(d *acmeDirectory) {
				d.serveChain("/cert/1", append(append([]byte{}, leaf...), rootX1...), "<"+d.url+`/cert/2>; rel="alternate"`)
				d.serveChain("/cert/2", append(append([]byte{}, leaf...), rootX2...))
			},
			wantCerts:     2,
			wantTopIssuer: "Test Root X1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := newACMEDirectory(t)
			tt.setup(dir)

			client, err := NewLegoProvider("renewer-test/1.0", 5*time.Second).
				Register(dir.url+"/dir", "ops@example.com", testAccountKey(t))
			if err != nil {
				t.Fatalf("Register failed: %v", err)
			}

			chainPEM, err := client.DownloadCertificate(dir.url+"/cert/1", tt.preferredChain)
			if err != nil {
				t.Fatalf("DownloadCertificate failed: %v", err)
			}
			certs, err := certcrypto.ParsePEMBundle(chainPEM)
			if err != nil || len(certs) != tt.wantCerts {
				t.Fatalf("expected %d certificates, got %d (%v)", tt.wantCerts, len(certs), err)
			}
			if certs[0].Subject.CommonName != "a.example.com" {
				t.Errorf("leaf CN = %q", certs[0].Subject.CommonName)
			}
			if got := topIssuerCN(certs); got != tt.wantTopIssuer {
				t.Errorf("top issuer = %q, want %q", got, tt.wantTopIssuer)
			}
		})
	}
}
