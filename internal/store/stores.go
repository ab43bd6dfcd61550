// Package store defines the persistence interfaces and domain records shared
// by the pipeline. Implementations live in subpackages (store/pg).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// StorageError wraps a persistence failure with the operation that caused it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// LeadStatus controls whether automation may talk to a lead at all.
type LeadStatus string

const (
	LeadActive   LeadStatus = "active"
	LeadHandover LeadStatus = "handover" // a human owns the conversation
	LeadBlocked  LeadStatus = "blocked"
)

// LeadState is the pipeline stage of a conversation.
type LeadState string

const (
	StateCold       LeadState = "cold"
	StateInterested LeadState = "interested"
	StateDemo       LeadState = "demo"
	StateNurturing  LeadState = "nurturing"
	StateConverted  LeadState = "converted"
)

// Lead is a tenant-scoped contact, identified by (tenant_id, phone_number).
// State and Status are mutated only by the orchestrator.
type Lead struct {
	ID              uuid.UUID
	TenantID        string
	PhoneNumber     string
	Name            string
	Status          LeadStatus
	State           LeadState
	AIEnabled       bool
	ProcessingAI    bool // cross-worker mutex, CAS-guarded in the store
	UnansweredCount int
	LastInboundAt   *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// MessageDirection mirrors event.Direction for persisted messages.
type MessageDirection string

const (
	MessageInbound  MessageDirection = "inbound"
	MessageOutbound MessageDirection = "outbound"
)

// MessageStatus is the delivery lifecycle of one message.
type MessageStatus string

const (
	MessageQueued    MessageStatus = "queued"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

// Message is the persisted record of one inbound or outbound unit.
type Message struct {
	ID                uuid.UUID
	TenantID          string
	LeadID            uuid.UUID
	Direction         MessageDirection
	Body              string
	Status            MessageStatus
	ProviderMessageID string // set after a successful send, or from the webhook
	FailureReason     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TenantConfig carries the per-tenant tunables the compliance gateway and the
// janitor consult. Read-mostly; implementations cache with a short TTL.
type TenantConfig struct {
	TenantID               string
	MaxUnansweredMessages  int
	RecoveryTimeoutMinutes int
	DebounceSeconds        int // 0 = use the global default
	UpdatedAt              time.Time
}

// AlertSeverity grades a system alert.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarn     AlertSeverity = "warn"
	SeverityCritical AlertSeverity = "critical"
)

// SystemAlert is an append-only failure record emitted by the resilience
// layer. Never mutated after creation.
type SystemAlert struct {
	ID            uuid.UUID
	Category      string
	Severity      AlertSeverity
	TenantID      string
	CorrelationID string
	Message       string
	CreatedAt     time.Time
}

// CampaignChannel holds the provider credentials for one (tenant, campaign)
// pair. Resolved by the provider factory; never shared across tenants.
type CampaignChannel struct {
	TenantID       string
	CampaignID     string
	Provider       string // "whatsapp_cloud"
	APIVersion     string
	AccessToken    string
	PhoneNumberID  string
	BusinessNumber string // the tenant's own number, for direction detection
	AppSecret      string // HMAC secret for webhook signatures
	VerifyToken    string // GET handshake token
}

// LeadStore persists leads and owns the processing_ai mutual exclusion.
type LeadStore interface {
	GetOrCreate(ctx context.Context, tenantID, phone string) (*Lead, error)
	GetByPhone(ctx context.Context, tenantID, phone string) (*Lead, error)
	UpdateState(ctx context.Context, id uuid.UUID, state LeadState) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status LeadStatus) error

	// TryAcquireProcessing flips processing_ai false→true atomically.
	// Returns false without error when another worker holds the flag.
	TryAcquireProcessing(ctx context.Context, id uuid.UUID) (bool, error)
	ReleaseProcessing(ctx context.Context, id uuid.UUID) error

	IncrementUnanswered(ctx context.Context, id uuid.UUID) error
	ResetUnanswered(ctx context.Context, id uuid.UUID) error
	TouchInbound(ctx context.Context, id uuid.UUID, at time.Time) error

	// ListRecoveryDue returns active, AI-enabled leads whose last inbound is
	// older than their tenant's recovery timeout.
	ListRecoveryDue(ctx context.Context, limit int) ([]Lead, error)
}

// MessageStore persists message records and their delivery lifecycle.
type MessageStore interface {
	Insert(ctx context.Context, m *Message) error
	// UpdateStatusByProviderID applies a status webhook event. Returns false
	// when no message carries that provider id (commutative with reordering).
	UpdateStatusByProviderID(ctx context.Context, tenantID, providerMessageID string, status MessageStatus) (bool, error)
	MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}

// ConfigStore reads tenant tunables. Implementations cache briefly.
type ConfigStore interface {
	Get(ctx context.Context, tenantID string) (*TenantConfig, error)
	Invalidate(tenantID string)
}

// AlertStore appends system alerts.
type AlertStore interface {
	Insert(ctx context.Context, a *SystemAlert) error
}

// ChannelStore resolves provider credentials per (tenant, campaign).
// An empty campaignID selects the tenant's default channel.
type ChannelStore interface {
	Get(ctx context.Context, tenantID, campaignID string) (*CampaignChannel, error)
}

// Stores bundles every store implementation for injection at startup.
type Stores struct {
	Leads    LeadStore
	Messages MessageStore
	Configs  ConfigStore
	Alerts   AlertStore
	Channels ChannelStore
}
