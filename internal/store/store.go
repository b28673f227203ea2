// ABOUTME: Store interface and data types for tether persistence
// ABOUTME: Defines Integration, IdentityLink, Thread, Message and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateLink is returned when an identity link already exists for the external user
var ErrDuplicateLink = errors.New("identity link already exists")

// IntegrationTypeMatrix identifies Matrix-backed integrations.
const IntegrationTypeMatrix = "matrix"

// IntegrationConfig holds the connection settings for one integration.
// Flags carries feature toggles that are opaque to the coordinator.
type IntegrationConfig struct {
	HomeserverURL string            `json:"homeserver_url"`
	UserID        string            `json:"user_id"`
	AccessToken   string            `json:"access_token"`
	Flags         map[string]string `json:"flags,omitempty"`
}

// Merge returns a copy of the config with non-empty fields from delta applied.
// Unrelated existing fields are preserved. Flags are merged key by key.
func (c IntegrationConfig) Merge(delta *IntegrationConfig) IntegrationConfig {
	merged := c
	if delta == nil {
		return merged
	}
	if delta.HomeserverURL != "" {
		merged.HomeserverURL = delta.HomeserverURL
	}
	if delta.UserID != "" {
		merged.UserID = delta.UserID
	}
	if delta.AccessToken != "" {
		merged.AccessToken = delta.AccessToken
	}
	if len(delta.Flags) > 0 {
		flags := make(map[string]string, len(c.Flags)+len(delta.Flags))
		for k, v := range c.Flags {
			flags[k] = v
		}
		for k, v := range delta.Flags {
			flags[k] = v
		}
		merged.Flags = flags
	}
	return merged
}

// Integration represents one configured connection from a team to an
// external chat platform. Identity (ID, Type) is immutable for its lifetime.
type Integration struct {
	ID        string
	Type      string
	TeamID    string
	Config    IntegrationConfig
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IdentityLink maps an external platform account to an internal user account
type IdentityLink struct {
	ID               string
	IntegrationID    string
	ExternalUserID   string
	ExternalUserName string
	InternalUserID   string
	CreatedAt        time.Time
}

// Thread correlates a platform conversation with persisted chat context
type Thread struct {
	ID            string
	IntegrationID string
	ChannelID     string
	ExternalID    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Message roles within a thread
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single role-tagged message within a thread
type Message struct {
	ID                string
	ThreadID          string
	PlatformMessageID string
	Role              string // "user" or "assistant"
	Sender            string
	Content           string
	CreatedAt         time.Time
}

// IntegrationStore defines operations for integration configuration
type IntegrationStore interface {
	// CreateIntegration persists a new integration
	CreateIntegration(ctx context.Context, integration *Integration) error

	// GetIntegration retrieves an integration by ID
	GetIntegration(ctx context.Context, id string) (*Integration, error)

	// ListIntegrations returns all integrations of the given type
	ListIntegrations(ctx context.Context, integrationType string) ([]*Integration, error)

	// UpdateIntegrationConfig replaces the stored config for an integration
	UpdateIntegrationConfig(ctx context.Context, id string, cfg IntegrationConfig) error

	// DeleteIntegration removes an integration
	DeleteIntegration(ctx context.Context, id string) error
}

// IdentityLinkStore defines operations for identity link resolution
type IdentityLinkStore interface {
	// GetLinkByExternalID resolves an external platform user to an internal user.
	// Returns ErrNotFound when the external user has not been linked.
	GetLinkByExternalID(ctx context.Context, integrationID, externalUserID string) (*IdentityLink, error)

	// CreateLink records a new identity link
	CreateLink(ctx context.Context, link *IdentityLink) error
}

// ChatStore defines operations for thread and message persistence
type ChatStore interface {
	// GetOrCreateThread returns the thread for (integration, channel, external id),
	// creating it if it does not exist
	GetOrCreateThread(ctx context.Context, integrationID, channelID, externalID string) (*Thread, error)

	// AppendMessage appends a message to a thread
	AppendMessage(ctx context.Context, msg *Message) error

	// ListMessages returns all messages in a thread ordered by creation time ascending
	ListMessages(ctx context.Context, threadID string) ([]*Message, error)

	// HasPlatformMessage reports whether a platform message id has already been persisted
	HasPlatformMessage(ctx context.Context, platformMessageID string) (bool, error)
}

// Store combines all persistence interfaces
type Store interface {
	IntegrationStore
	IdentityLinkStore
	ChatStore

	// Close releases database resources
	Close() error
}
