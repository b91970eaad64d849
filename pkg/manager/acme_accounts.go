package manager

import (
	"crypto"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/registration"
)

// accountKeyType is used for every ACME account key
const accountKeyType = certcrypto.EC384

// Account is an ACME account bound to one (environment, email) pair.
type Account struct {
	Email      string
	Production bool
	KeyPath    string
	Key        crypto.PrivateKey

	client ACMEClient
}

// acmeUser implements registration.User for lego's registrar
type acmeUser struct {
	email string
	key   crypto.PrivateKey
}

func (u *acmeUser) GetEmail() string {
	return u.email
}

// GetRegistration is only consulted by lego's high level client
func (u *acmeUser) GetRegistration() *registration.Resource {
	return nil
}

func (u *acmeUser) GetPrivateKey() crypto.PrivateKey {
	return u.key
}

var accountEmailReplacer = strings.NewReplacer("@", "", ".", "", "/", "", "\\", "")

// AccountKeyPath returns the key file for an (environment, email) pair:
// <dataDir>/<prd|staging>-<email without '@' and '.'>.pem
func AccountKeyPath(dataDir string, production bool, email string) string {
	env := "staging"
	if production {
		env = "prd"
	}
	normalized := accountEmailReplacer.Replace(strings.ToLower(strings.TrimSpace(email)))
	return filepath.Join(dataDir, fmt.Sprintf("%s-%s.pem", env, normalized))
}

// loadOrGenerateAccountKey loads the PEM key at path. When the file does not
// exist a new key is generated but NOT written; the caller persists it with
// saveAccountKey once the account is registered.
func loadOrGenerateAccountKey(path string) (key crypto.PrivateKey, existed bool, err error) {
	keyBytes, err := os.ReadFile(path)
	if err == nil {
		key, err = certcrypto.ParsePEMPrivateKey(keyBytes)
		if err != nil {
			return nil, true, fmt.Errorf("parsing account key %s: %w", path, err)
		}
		return key, true, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("reading account key %s: %w", path, err)
	}

	key, err = certcrypto.GeneratePrivateKey(accountKeyType)
	if err != nil {
		return nil, false, fmt.Errorf("generating account key: %w", err)
	}
	return key, false, nil
}

// saveAccountKey writes the account key, creating the data directory if needed
func saveAccountKey(path string, key crypto.PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(path), DirPermissions); err != nil {
		return fmt.Errorf("creating account key directory %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, certcrypto.PEMEncode(key), PrivateKeyPermissions); err != nil {
		return fmt.Errorf("writing account key %s: %w", path, err)
	}
	return nil
}
