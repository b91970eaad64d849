package manager

import (
	"context"
	"fmt"
	"strings"

	cf "github.com/cloudflare/cloudflare-go"

	"github.com/oetiker/go-acme-keyvault-renewer/pkg/common"
)

// cloudflareAPI is the part of *cf.API used by CloudflareRecords
type cloudflareAPI interface {
	ListDNSRecords(ctx context.Context, rc *cf.ResourceContainer, params cf.ListDNSRecordsParams) ([]cf.DNSRecord, *cf.ResultInfo, error)
	CreateDNSRecord(ctx context.Context, rc *cf.ResourceContainer, params cf.CreateDNSRecordParams) (cf.DNSRecord, error)
	UpdateDNSRecord(ctx context.Context, rc *cf.ResourceContainer, params cf.UpdateDNSRecordParams) (cf.DNSRecord, error)
	DeleteDNSRecord(ctx context.Context, rc *cf.ResourceContainer, recordID string) error
}

// CloudflareRecords implements RecordStore on the Cloudflare API
type CloudflareRecords struct {
	api    cloudflareAPI
	ttl    int
	logger common.LoggerInterface
}

// NewCloudflareRecords creates the record store from the cloudflare section
// of the configuration. An API token is preferred over a global API key.
// opts are passed on to the cloudflare-go client.
func NewCloudflareRecords(cfg CloudflareConfig, logger common.LoggerInterface, opts ...cf.Option) (*CloudflareRecords, error) {
	var (
		api *cf.API
		err error
	)
	switch {
	case cfg.APIToken != "":
		api, err = cf.NewWithAPIToken(cfg.APIToken, opts...)
	case cfg.APIKey != "" && cfg.Email != "":
		api, err = cf.New(cfg.APIKey, cfg.Email, opts...)
	default:
		return nil, common.NewConfigError("create cloudflare client", "no Cloudflare credentials configured")
	}
	if err != nil {
		return nil, common.WrapError(err, common.ErrorTypeConfig, "create cloudflare client",
			"Failed to create the Cloudflare client")
	}
	return newCloudflareRecords(api, cfg.RecordTTL, logger), nil
}

func newCloudflareRecords(api cloudflareAPI, ttl int, logger common.LoggerInterface) *CloudflareRecords {
	if ttl <= 0 {
		ttl = DefaultRecordTTL
	}
	if logger == nil {
		logger = DefaultLogger
	}
	return &CloudflareRecords{api: api, ttl: ttl, logger: logger}
}

// UpsertRecord implements RecordStore
func (c *CloudflareRecords) UpsertRecord(ctx context.Context, zoneID, name, value string) (DNSRecord, error) {
	name = strings.TrimSuffix(name, ".")
	zone := cf.ZoneIdentifier(zoneID)

	existing, _, err := c.api.ListDNSRecords(ctx, zone, cf.ListDNSRecordsParams{Type: "TXT", Name: name})
	if err != nil {
		return DNSRecord{}, common.NewChallengePublishError(err, "list TXT records",
			"Failed to list existing TXT records").WithResource(name).AddContext("zone", zoneID)
	}

	switch len(existing) {
	case 0:
		created, err := c.api.CreateDNSRecord(ctx, zone, cf.CreateDNSRecordParams{
			Type:    "TXT",
			Name:    name,
			Content: value,
			TTL:     c.ttl,
		})
		if err != nil {
			return DNSRecord{}, common.NewChallengePublishError(err, "create TXT record",
				"Failed to create the TXT record").WithResource(name).AddContext("zone", zoneID)
		}
		record := DNSRecord{ID: created.ID, ZoneID: zoneID, Name: name, Content: value, TTL: c.ttl}
		c.logger.Info("Created TXT record", "name", name, "zone", zoneID, "id", record.ID)
		return record, nil

	case 1:
		id := existing[0].ID
		_, err := c.api.UpdateDNSRecord(ctx, zone, cf.UpdateDNSRecordParams{
			ID:      id,
			Type:    "TXT",
			Name:    name,
			Content: value,
			TTL:     c.ttl,
		})
		if err != nil {
			return DNSRecord{}, common.NewChallengePublishError(err, "update TXT record",
				"Failed to update the TXT record").WithResource(name).AddContext("zone", zoneID)
		}
		c.logger.Info("Updated TXT record", "name", name, "zone", zoneID, "id", id)
		return DNSRecord{ID: id, ZoneID: zoneID, Name: name, Content: value, TTL: c.ttl}, nil

	default:
		ids := make([]string, 0, len(existing))
		for _, r := range existing {
			ids = append(ids, r.ID)
		}
		return DNSRecord{}, common.NewApplicationError(common.ErrorTypeAmbiguousDNS, "upsert TXT record",
			fmt.Sprintf("found %d TXT records named %s, expected at most one", len(existing), name)).
			WithResource(name).
			AddContext("zone", zoneID).
			AddContext("record_ids", strings.Join(ids, ",")).
			AddSuggestion("Delete the stale _acme-challenge records in the Cloudflare dashboard")
	}
}

// DeleteRecord implements RecordStore
func (c *CloudflareRecords) DeleteRecord(ctx context.Context, zoneID, recordID string) error {
	if err := c.api.DeleteDNSRecord(ctx, cf.ZoneIdentifier(zoneID), recordID); err != nil {
		return common.NewDNSError(err, "delete TXT record",
			"Failed to delete the TXT record").WithResource(recordID).AddContext("zone", zoneID)
	}
	c.logger.Debug("Deleted TXT record", "zone", zoneID, "id", recordID)
	return nil
}
