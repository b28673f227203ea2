// ABOUTME: In-memory implementation of the Store interface for testing
// ABOUTME: Mirrors SQLite semantics including uniqueness and ordering guarantees

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for tests
type MockStore struct {
	mu           sync.RWMutex
	integrations map[string]*Integration
	links        map[string]*IdentityLink // keyed by integrationID + "\x00" + externalUserID
	threads      map[string]*Thread
	messages     map[string][]*Message // keyed by thread ID
	platformIDs  map[string]bool
}

// NewMockStore creates an empty in-memory store
func NewMockStore() *MockStore {
	return &MockStore{
		integrations: make(map[string]*Integration),
		links:        make(map[string]*IdentityLink),
		threads:      make(map[string]*Thread),
		messages:     make(map[string][]*Message),
		platformIDs:  make(map[string]bool),
	}
}

func linkKey(integrationID, externalUserID string) string {
	return integrationID + "\x00" + externalUserID
}

// CreateIntegration persists a new integration
func (m *MockStore) CreateIntegration(_ context.Context, integration *Integration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if integration.ID == "" {
		integration.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	integration.CreatedAt = now
	integration.UpdatedAt = now

	cp := *integration
	m.integrations[integration.ID] = &cp
	return nil
}

// GetIntegration retrieves an integration by ID
func (m *MockStore) GetIntegration(_ context.Context, id string) (*Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	integration, ok := m.integrations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *integration
	return &cp, nil
}

// ListIntegrations returns all integrations of the given type
func (m *MockStore) ListIntegrations(_ context.Context, integrationType string) ([]*Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Integration
	for _, integration := range m.integrations {
		if integration.Type == integrationType {
			cp := *integration
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// UpdateIntegrationConfig replaces the stored config for an integration
func (m *MockStore) UpdateIntegrationConfig(_ context.Context, id string, cfg IntegrationConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	integration, ok := m.integrations[id]
	if !ok {
		return ErrNotFound
	}
	integration.Config = cfg
	integration.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteIntegration removes an integration
func (m *MockStore) DeleteIntegration(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.integrations[id]; !ok {
		return ErrNotFound
	}
	delete(m.integrations, id)
	return nil
}

// GetLinkByExternalID resolves an external platform user to an internal user
func (m *MockStore) GetLinkByExternalID(_ context.Context, integrationID, externalUserID string) (*IdentityLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	link, ok := m.links[linkKey(integrationID, externalUserID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *link
	return &cp, nil
}

// CreateLink records a new identity link
func (m *MockStore) CreateLink(_ context.Context, link *IdentityLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := linkKey(link.IntegrationID, link.ExternalUserID)
	if _, exists := m.links[key]; exists {
		return ErrDuplicateLink
	}
	if link.ID == "" {
		link.ID = uuid.New().String()
	}
	link.CreatedAt = time.Now().UTC()

	cp := *link
	m.links[key] = &cp
	return nil
}

// GetOrCreateThread returns the thread for (integration, channel, external id),
// creating it if it does not exist
func (m *MockStore) GetOrCreateThread(_ context.Context, integrationID, channelID, externalID string) (*Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, thread := range m.threads {
		if thread.IntegrationID == integrationID && thread.ChannelID == channelID && thread.ExternalID == externalID {
			cp := *thread
			return &cp, nil
		}
	}

	now := time.Now().UTC()
	thread := &Thread{
		ID:            uuid.New().String(),
		IntegrationID: integrationID,
		ChannelID:     channelID,
		ExternalID:    externalID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.threads[thread.ID] = thread
	cp := *thread
	return &cp, nil
}

// AppendMessage appends a message to a thread
func (m *MockStore) AppendMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	cp := *msg
	m.messages[msg.ThreadID] = append(m.messages[msg.ThreadID], &cp)
	if msg.PlatformMessageID != "" {
		m.platformIDs[msg.PlatformMessageID] = true
	}
	if thread, ok := m.threads[msg.ThreadID]; ok {
		thread.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// ListMessages returns all messages in a thread ordered by creation time ascending
func (m *MockStore) ListMessages(_ context.Context, threadID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[threadID]
	result := make([]*Message, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		result[i] = &cp
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// HasPlatformMessage reports whether a platform message id has already been persisted
func (m *MockStore) HasPlatformMessage(_ context.Context, platformMessageID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.platformIDs[platformMessageID], nil
}

// Close is a no-op for the mock store
func (m *MockStore) Close() error {
	return nil
}
