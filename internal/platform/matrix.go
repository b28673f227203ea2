// ABOUTME: Matrix implementation of the platform Client using mautrix
// ABOUTME: Handles auth, realtime sync, history fetch, posting, edits, and media download

package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/loomlabs/tether/internal/store"
)

// typingTimeout is the duration the typing indicator shows.
const typingTimeout = 30 * time.Second

// networkTimeout bounds individual Matrix API calls made outside a caller
// provided context.
const networkTimeout = 10 * time.Second

// MatrixClient implements Client against a Matrix homeserver.
type MatrixClient struct {
	client *mautrix.Client
	logger *slog.Logger

	mu         sync.Mutex
	me         *Identity
	handler    EventHandler
	connected  bool
	cancelSync context.CancelFunc
	dmCache    map[id.RoomID]bool

	registerOnce sync.Once
}

// NewMatrixClient builds a MatrixClient from an integration config.
// Implements the platform.Factory signature.
func NewMatrixClient(cfg store.IntegrationConfig) (Client, error) {
	client, err := mautrix.NewClient(cfg.HomeserverURL, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	return &MatrixClient{
		client:  client,
		logger:  slog.Default().With("component", "matrix", "user_id", cfg.UserID),
		dmCache: make(map[id.RoomID]bool),
	}, nil
}

// Authenticate verifies the access token and fetches the bot's own identity.
func (m *MatrixClient) Authenticate(ctx context.Context) (*Identity, error) {
	whoami, err := m.client.Whoami(ctx)
	if err != nil {
		var httpErr mautrix.HTTPError
		if errors.As(err, &httpErr) && (httpErr.IsStatus(http.StatusUnauthorized) || httpErr.IsStatus(http.StatusForbidden)) {
			return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
		}
		return nil, fmt.Errorf("whoami: %w", err)
	}

	me := &Identity{UserID: whoami.UserID.String()}
	if profile, err := m.client.GetProfile(ctx, whoami.UserID); err == nil {
		me.DisplayName = profile.DisplayName
	}

	m.mu.Lock()
	m.me = me
	m.client.UserID = whoami.UserID
	m.mu.Unlock()

	return me, nil
}

// Connect starts the sync loop and registers the inbound handler.
// Safe to call again after Close; a fresh sync loop is started.
func (m *MatrixClient) Connect(_ context.Context, handler EventHandler) error {
	m.mu.Lock()
	if m.me == nil {
		m.mu.Unlock()
		return fmt.Errorf("connect before authenticate")
	}
	if m.connected {
		m.mu.Unlock()
		return nil
	}
	m.handler = handler

	m.registerOnce.Do(func() {
		syncer, ok := m.client.Syncer.(*mautrix.DefaultSyncer)
		if !ok {
			return
		}
		syncer.OnEventType(event.EventMessage, m.handleMessageEvent)
	})

	// The sync loop outlives the caller's context; Close cancels it.
	syncCtx, cancel := context.WithCancel(context.Background())
	m.cancelSync = cancel
	m.connected = true
	m.mu.Unlock()

	go func() {
		err := m.client.SyncWithContext(syncCtx)
		m.mu.Lock()
		m.connected = false
		m.mu.Unlock()
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("matrix sync terminated", "error", err)
		}
	}()

	return nil
}

// Connected reports whether the sync loop is live.
func (m *MatrixClient) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Close cancels the sync loop. Idempotent.
func (m *MatrixClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelSync != nil {
		m.cancelSync()
		m.cancelSync = nil
	}
	m.connected = false
	return nil
}

// handleMessageEvent converts an inbound Matrix event and dispatches it.
func (m *MatrixClient) handleMessageEvent(ctx context.Context, evt *event.Event) {
	m.mu.Lock()
	handler := m.handler
	me := m.me
	m.mu.Unlock()
	if handler == nil || me == nil {
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}
	// Edits are replacements of posts already processed.
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return
	}

	post := m.convertEvent(evt, content)

	msgEvent := MessageEvent{
		Post:          post,
		DirectMessage: m.isDirectMessage(ctx, evt.RoomID),
		MentionsBot:   mentionsUser(content, me),
	}

	handler(ctx, msgEvent)
}

// convertEvent maps a Matrix event to a platform Post.
func (m *MatrixClient) convertEvent(evt *event.Event, content *event.MessageEventContent) Post {
	post := Post{
		ID:         evt.ID.String(),
		ChannelID:  evt.RoomID.String(),
		SenderID:   evt.Sender.String(),
		SenderName: localpart(evt.Sender),
		Text:       content.Body,
		CreatedAt:  time.UnixMilli(evt.Timestamp),
	}

	if content.RelatesTo != nil {
		if parent := content.RelatesTo.GetThreadParent(); parent != "" {
			post.RootID = parent.String()
		}
	}

	switch content.MsgType {
	case event.MsgImage, event.MsgFile, event.MsgAudio, event.MsgVideo:
		if content.URL != "" {
			att := Attachment{
				URI:  string(content.URL),
				Name: content.Body,
			}
			if info := content.GetInfo(); info != nil {
				att.MimeType = info.MimeType
			}
			post.Attachments = append(post.Attachments, att)
		}
	}

	return post
}

// isDirectMessage treats two-member rooms as direct messages. Results are
// cached per room for the lifetime of the client.
func (m *MatrixClient) isDirectMessage(ctx context.Context, roomID id.RoomID) bool {
	m.mu.Lock()
	cached, ok := m.dmCache[roomID]
	m.mu.Unlock()
	if ok {
		return cached
	}

	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()

	members, err := m.client.JoinedMembers(ctx, roomID)
	if err != nil {
		m.logger.Debug("joined members lookup failed", "room", roomID.String(), "error", err)
		return false
	}

	dm := len(members.Joined) == 2
	m.mu.Lock()
	m.dmCache[roomID] = dm
	m.mu.Unlock()
	return dm
}

// mentionsUser checks intentional mentions first, falling back to a body
// scan for clients that don't populate m.mentions.
func mentionsUser(content *event.MessageEventContent, me *Identity) bool {
	if content.Mentions != nil {
		for _, uid := range content.Mentions.UserIDs {
			if uid.String() == me.UserID {
				return true
			}
		}
	}
	if strings.Contains(content.Body, me.UserID) {
		return true
	}
	return me.DisplayName != "" && strings.Contains(content.Body, me.DisplayName)
}

// ThreadPosts fetches the thread rooted at rootID, including the root.
// Matrix exposes threads as m.thread relations; recent room history is
// scanned and filtered by thread parent.
func (m *MatrixClient) ThreadPosts(ctx context.Context, channelID, rootID string) ([]Post, error) {
	roomID := id.RoomID(channelID)
	rootEventID := id.EventID(rootID)

	var posts []Post

	root, err := m.client.GetEvent(ctx, roomID, rootEventID)
	if err != nil {
		return nil, fmt.Errorf("fetching thread root: %w", err)
	}
	if content := parseMessageContent(root); content != nil {
		posts = append(posts, m.convertEvent(root, content))
	}

	resp, err := m.client.Messages(ctx, roomID, "", "", mautrix.DirectionBackward, nil, threadScanLimit)
	if err != nil {
		return nil, fmt.Errorf("fetching room history: %w", err)
	}

	for _, evt := range resp.Chunk {
		content := parseMessageContent(evt)
		if content == nil || content.RelatesTo == nil {
			continue
		}
		if content.RelatesTo.GetThreadParent() != rootEventID {
			continue
		}
		posts = append(posts, m.convertEvent(evt, content))
	}

	return posts, nil
}

// threadScanLimit bounds how far back room history is scanned for thread
// members in one page.
const threadScanLimit = 200

// RecentPosts returns up to limit most recent message posts in the channel.
func (m *MatrixClient) RecentPosts(ctx context.Context, channelID string, limit int) ([]Post, error) {
	resp, err := m.client.Messages(ctx, id.RoomID(channelID), "", "", mautrix.DirectionBackward, nil, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching room history: %w", err)
	}

	var posts []Post
	for _, evt := range resp.Chunk {
		content := parseMessageContent(evt)
		if content == nil {
			continue
		}
		posts = append(posts, m.convertEvent(evt, content))
	}
	return posts, nil
}

// parseMessageContent returns the message content of an event, parsing the
// raw payload when needed. Non-message and malformed events return nil.
func parseMessageContent(evt *event.Event) *event.MessageEventContent {
	if evt.Type != event.EventMessage {
		return nil
	}
	if evt.Content.Parsed == nil {
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			return nil
		}
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return nil
	}
	// Skip edit fallbacks; the original event carries the content.
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return nil
	}
	return content
}

// CreatePost sends a message, threaded under rootID when non-empty.
func (m *MatrixClient) CreatePost(ctx context.Context, channelID, rootID, text, html string) (string, error) {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	if html != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	}
	if rootID != "" {
		content.RelatesTo = &event.RelatesTo{
			Type:    event.RelThread,
			EventID: id.EventID(rootID),
		}
	}

	resp, err := m.client.SendMessageEvent(ctx, id.RoomID(channelID), event.EventMessage, &content)
	if err != nil {
		return "", fmt.Errorf("sending message: %w", err)
	}
	return resp.EventID.String(), nil
}

// UpdatePost edits an existing post in place.
func (m *MatrixClient) UpdatePost(ctx context.Context, channelID, postID, text, html string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	if html != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	}
	content.SetEdit(id.EventID(postID))

	if _, err := m.client.SendMessageEvent(ctx, id.RoomID(channelID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("editing message: %w", err)
	}
	return nil
}

// DownloadFile fetches an attachment from the media repository.
func (m *MatrixClient) DownloadFile(ctx context.Context, att Attachment) (*File, error) {
	uri, err := id.ContentURIString(att.URI).Parse()
	if err != nil {
		return nil, fmt.Errorf("parsing content uri: %w", err)
	}

	data, err := m.client.DownloadBytes(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("downloading file: %w", err)
	}

	return &File{Name: att.Name, MimeType: att.MimeType, Data: data}, nil
}

// SetTyping toggles the typing indicator. Failures are logged at debug only.
func (m *MatrixClient) SetTyping(ctx context.Context, channelID string, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := m.client.UserTyping(ctx, id.RoomID(channelID), typing, timeout); err != nil {
		m.logger.Debug("failed to set typing indicator", "room", channelID, "error", err)
	}
}

// localpart extracts the local part of a Matrix user id for display.
func localpart(userID id.UserID) string {
	s := userID.String()
	s = strings.TrimPrefix(s, "@")
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		return s[:idx]
	}
	return s
}
