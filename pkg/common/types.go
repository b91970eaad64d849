package common

import (
	"context"
	"time"
)

// EventKind names a renewal lifecycle milestone
type EventKind string

const (
	EventRenewalSkipped    EventKind = "renewal_skipped"
	EventOrderCreated      EventKind = "order_created"
	EventRecordUpserted    EventKind = "record_upserted"
	EventChallengeResolved EventKind = "challenge_resolved"
	EventCertificateIssued EventKind = "certificate_issued"
	EventCertificateStored EventKind = "certificate_stored"
	EventRecordDeleted     EventKind = "record_deleted"
	EventRenewalFailed     EventKind = "renewal_failed"
)

// Event describes a single milestone of one domain's renewal
type Event struct {
	Kind   EventKind
	RunID  string
	Zone   string
	Domain string
	Time   time.Time
	// Detail holds milestone specific values such as the record id,
	// challenge status or certificate expiry.
	Detail map[string]string
	Err    error
}

// NewEvent builds an Event tagged with the run, zone and domain found in ctx
func NewEvent(ctx context.Context, kind EventKind) Event {
	return Event{
		Kind:   kind,
		RunID:  GetRunID(ctx),
		Zone:   GetZone(ctx),
		Domain: GetDomain(ctx),
		Time:   time.Now(),
		Detail: make(map[string]string),
	}
}

// With returns the event with an extra detail value
func (e Event) With(key, value string) Event {
	if e.Detail == nil {
		e.Detail = make(map[string]string)
	}
	e.Detail[key] = value
	return e
}

// DiscardEvents is an EventSink that drops every event
var DiscardEvents EventSink = EventSinkFunc(func(context.Context, Event) {})
