package manager

import (
	"context"
)

// DNSRecord is a TXT record as stored by the DNS provider
type DNSRecord struct {
	ID      string
	ZoneID  string
	Name    string
	Content string
	TTL     int
}

// RecordStore publishes and removes DNS-01 TXT records.
type RecordStore interface {
	// UpsertRecord makes name carry exactly value: the record is created when
	// missing and updated in place when exactly one exists. More than one
	// existing record is an AMBIGUOUS_DNS error and nothing is written.
	UpsertRecord(ctx context.Context, zoneID, name, value string) (DNSRecord, error)
	DeleteRecord(ctx context.Context, zoneID, recordID string) error
}
