// ABOUTME: Transport abstraction for external chat platforms
// ABOUTME: Defines the Client interface injected into the connection supervisor

package platform

import (
	"context"
	"errors"
	"time"

	"github.com/loomlabs/tether/internal/store"
)

// ErrAuthenticationFailed indicates the stored credentials were rejected by
// the platform at startup. Initialization for the integration aborts; no
// retry loop is entered.
var ErrAuthenticationFailed = errors.New("platform authentication failed")

// Identity is the bot's own account on the platform, fetched during
// authentication and used for loop prevention and role tagging.
type Identity struct {
	UserID      string
	DisplayName string
}

// Attachment references a file attached to a platform post.
type Attachment struct {
	URI      string
	Name     string
	MimeType string
}

// File is a downloaded attachment.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// Post is one platform message, inbound or fetched from history.
type Post struct {
	ID          string
	ChannelID   string
	RootID      string // thread root id, empty when the post is not in a thread
	SenderID    string
	SenderName  string
	Text        string
	Attachments []Attachment
	CreatedAt   time.Time
}

// MessageEvent is an inbound realtime message with addressing already
// resolved by the transport.
type MessageEvent struct {
	Post          Post
	DirectMessage bool
	MentionsBot   bool
}

// EventHandler receives inbound message events from the realtime channel.
type EventHandler func(ctx context.Context, event MessageEvent)

// Client is one authenticated connection to an external chat platform.
// Implementations own the realtime channel; the supervisor owns the
// lifecycle and injects the client explicitly rather than reaching for
// any ambient global.
type Client interface {
	// Authenticate exchanges the stored credentials for the bot's own
	// platform identity. Returns ErrAuthenticationFailed (wrapped) when
	// the credentials are rejected.
	Authenticate(ctx context.Context) (*Identity, error)

	// Connect opens the realtime channel and registers the inbound
	// handler. It returns once the channel is established; events are
	// delivered asynchronously until Close.
	Connect(ctx context.Context, handler EventHandler) error

	// Connected reports whether the realtime channel is currently open.
	// The heartbeat uses this as the only transport failure detector.
	Connected() bool

	// Close tears down the realtime channel. Idempotent.
	Close() error

	// ThreadPosts returns all posts in the thread rooted at rootID,
	// including the root. Order is not guaranteed.
	ThreadPosts(ctx context.Context, channelID, rootID string) ([]Post, error)

	// RecentPosts returns up to limit most recent posts in the channel.
	// Order is not guaranteed.
	RecentPosts(ctx context.Context, channelID string, limit int) ([]Post, error)

	// CreatePost posts text to the channel (threaded under rootID when
	// non-empty) and returns the new post's id. html may carry a
	// formatted body; implementations may ignore it.
	CreatePost(ctx context.Context, channelID, rootID, text, html string) (string, error)

	// UpdatePost replaces the content of an existing post in place.
	UpdatePost(ctx context.Context, channelID, postID, text, html string) error

	// DownloadFile fetches an attachment's content using the
	// integration's credentials.
	DownloadFile(ctx context.Context, att Attachment) (*File, error)

	// SetTyping toggles the typing indicator in a channel. Best effort.
	SetTyping(ctx context.Context, channelID string, typing bool)
}

// Factory builds a Client from an integration config. The supervisor uses
// it to recycle the transport on restart without touching the lease.
type Factory func(cfg store.IntegrationConfig) (Client, error)
