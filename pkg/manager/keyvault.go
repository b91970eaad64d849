package manager

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azcertificates"

	"github.com/oetiker/go-acme-keyvault-renewer/pkg/common"
)

// keyVaultAPI is the part of *azcertificates.Client used by KeyVaultStore
type keyVaultAPI interface {
	ImportCertificate(ctx context.Context, name string, parameters azcertificates.ImportCertificateParameters, options *azcertificates.ImportCertificateOptions) (azcertificates.ImportCertificateResponse, error)
	NewListCertificatePropertiesVersionsPager(name string, options *azcertificates.ListCertificatePropertiesVersionsOptions) *runtime.Pager[azcertificates.ListCertificatePropertiesVersionsResponse]
}

// KeyVaultStore implements SecretStore on Azure Key Vault certificates
type KeyVaultStore struct {
	client    keyVaultAPI
	password  string
	issuerTag string
	logger    common.LoggerInterface
}

// NewKeyVaultCredential picks the managed identity when a client id is
// configured and the default Azure credential chain otherwise.
func NewKeyVaultCredential(cfg KeyVaultConfig) (azcore.TokenCredential, error) {
	if cfg.ManagedIdentityID != "" {
		return azidentity.NewManagedIdentityCredential(&azidentity.ManagedIdentityCredentialOptions{
			ID: azidentity.ClientID(cfg.ManagedIdentityID),
		})
	}
	return azidentity.NewDefaultAzureCredential(nil)
}

// NewKeyVaultStore connects to the vault named in cfg
func NewKeyVaultStore(cfg KeyVaultConfig, logger common.LoggerInterface) (*KeyVaultStore, error) {
	cred, err := NewKeyVaultCredential(cfg)
	if err != nil {
		return nil, common.WrapError(err, common.ErrorTypeConfig, "create azure credential",
			"Failed to create the Azure credential").
			AddSuggestion("Set key_vault.managed_identity_id or configure az login / AZURE_* variables")
	}
	client, err := azcertificates.NewClient(cfg.URL, cred, nil)
	if err != nil {
		return nil, common.WrapError(err, common.ErrorTypeConfig, "create key vault client",
			"Failed to create the Key Vault client").WithResource(cfg.URL)
	}
	return newKeyVaultStore(client, cfg.ExportPassword, cfg.IssuerTag, logger), nil
}

func newKeyVaultStore(client keyVaultAPI, password, issuerTag string, logger common.LoggerInterface) *KeyVaultStore {
	if issuerTag == "" {
		issuerTag = DefaultIssuerTag
	}
	if logger == nil {
		logger = DefaultLogger
	}
	return &KeyVaultStore{
		client:    client,
		password:  password,
		issuerTag: issuerTag,
		logger:    logger,
	}
}

// GetCurrentExpiration implements SecretStore. Of all enabled versions the
// most recently created one counts; its Expires attribute is preferred over
// the expireAt tag.
func (k *KeyVaultStore) GetCurrentExpiration(ctx context.Context, domain string) (time.Time, bool) {
	name := CertificateName(domain)

	var (
		newest        *azcertificates.CertificateProperties
		newestCreated time.Time
	)
	pager := k.client.NewListCertificatePropertiesVersionsPager(name, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			k.logger.Warn("Could not list certificate versions, treating as absent", "certificate", name, "error", err)
			return time.Time{}, false
		}
		for _, props := range page.Value {
			if props == nil || isDisabled(props) {
				continue
			}
			var created time.Time
			if props.Attributes != nil && props.Attributes.Created != nil {
				created = *props.Attributes.Created
			}
			if newest == nil || created.After(newestCreated) {
				newest, newestCreated = props, created
			}
		}
	}

	if newest == nil {
		k.logger.Debug("No stored certificate", "certificate", name)
		return time.Time{}, false
	}
	if newest.Attributes != nil && newest.Attributes.Expires != nil {
		return *newest.Attributes.Expires, true
	}
	if tag, ok := newest.Tags[TagExpireAt]; ok && tag != nil {
		expires, err := time.Parse(time.RFC3339, *tag)
		if err == nil {
			return expires, true
		}
		k.logger.Warn("Ignoring unparsable expireAt tag", "certificate", name, "value", *tag)
	}
	return time.Time{}, false
}

func isDisabled(props *azcertificates.CertificateProperties) bool {
	return props.Attributes != nil && props.Attributes.Enabled != nil && !*props.Attributes.Enabled
}

// ImportCertificate implements SecretStore
func (k *KeyVaultStore) ImportCertificate(ctx context.Context, domain string, bundle *CertificateBundle) error {
	name := CertificateName(domain)
	params := azcertificates.ImportCertificateParameters{
		Base64EncodedCertificate: to.Ptr(base64.StdEncoding.EncodeToString(bundle.PFX)),
		Password:                 to.Ptr(k.password),
		CertificateAttributes: &azcertificates.CertificateAttributes{
			Enabled: to.Ptr(true),
		},
		Tags: map[string]*string{
			TagIssuer:   to.Ptr(k.issuerTag),
			TagExpireAt: to.Ptr(bundle.NotAfter.UTC().Format(time.RFC3339)),
		},
	}

	resp, err := k.client.ImportCertificate(ctx, name, params, nil)
	if err != nil {
		return common.NewImportError(err, "import certificate",
			fmt.Sprintf("Key Vault rejected certificate %s", name)).
			WithResource(domain).
			AddContext("certificate", name)
	}

	version := ""
	if resp.ID != nil {
		version = resp.ID.Version()
	}
	k.logger.Info("Imported certificate", "certificate", name, "version", version, "expires", bundle.NotAfter.Format(time.RFC3339))
	return nil
}
