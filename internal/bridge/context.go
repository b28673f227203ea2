// ABOUTME: Builds ordered conversational context from platform history
// ABOUTME: Thread or last-N channel posts, role tagged, attachments externalized

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/loomlabs/tether/internal/agent"
	"github.com/loomlabs/tether/internal/blob"
	"github.com/loomlabs/tether/internal/platform"
	"github.com/loomlabs/tether/internal/store"
)

// ContextBuilder assembles the agent request context for a triggering post.
type ContextBuilder struct {
	blobs        blob.Store
	historyLimit int
	maxWords     int
	logger       *slog.Logger
}

// NewContextBuilder creates a builder. historyLimit bounds channel history
// outside threads; posts longer than maxWords are left out of the context.
func NewContextBuilder(blobs blob.Store, historyLimit, maxWords int, logger *slog.Logger) *ContextBuilder {
	return &ContextBuilder{
		blobs:        blobs,
		historyLimit: historyLimit,
		maxWords:     maxWords,
		logger:       logger.With("component", "context"),
	}
}

// Build fetches the conversation around trigger and converts it to ordered,
// role-tagged context messages. Thread history is used when the trigger is
// threaded, otherwise the channel's most recent posts.
func (b *ContextBuilder) Build(ctx context.Context, client platform.Client, me platform.Identity, trigger platform.Post) ([]agent.ContextMessage, error) {
	var posts []platform.Post
	var err error

	if trigger.RootID != "" {
		posts, err = client.ThreadPosts(ctx, trigger.ChannelID, trigger.RootID)
		if err != nil {
			return nil, fmt.Errorf("fetching thread posts: %w", err)
		}
	} else {
		posts, err = client.RecentPosts(ctx, trigger.ChannelID, b.historyLimit)
		if err != nil {
			return nil, fmt.Errorf("fetching recent posts: %w", err)
		}
	}

	// History APIs make no ordering promise; the agent contract requires
	// oldest first.
	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].CreatedAt.Before(posts[j].CreatedAt)
	})

	messages := make([]agent.ContextMessage, 0, len(posts))
	for _, post := range posts {
		if post.Text == "" && len(post.Attachments) == 0 {
			continue
		}
		// Long posts are left out, except the trigger itself.
		if post.ID != trigger.ID && wordCount(post.Text) > b.maxWords {
			continue
		}

		content := post.Text
		for _, att := range post.Attachments {
			line, err := b.externalize(ctx, client, post.SenderID, att)
			if err != nil {
				b.logger.Warn("attachment externalization failed",
					"post_id", post.ID, "attachment", att.Name, "error", err)
				continue
			}
			if content != "" {
				content += "\n"
			}
			content += line
		}
		if content == "" {
			continue
		}

		messages = append(messages, agent.ContextMessage{
			Role:    roleFor(post, me),
			Sender:  senderName(post),
			Content: content,
		})
	}

	return messages, nil
}

// externalize downloads an attachment with the integration's credentials,
// stores it under the sender's blob prefix, and returns a textual entry
// pointing at the public URL.
func (b *ContextBuilder) externalize(ctx context.Context, client platform.Client, senderID string, att platform.Attachment) (string, error) {
	file, err := client.DownloadFile(ctx, att)
	if err != nil {
		return "", fmt.Errorf("downloading attachment: %w", err)
	}

	name := file.Name
	if name == "" {
		name = att.Name
	}
	path := fmt.Sprintf("users/%s/%s-%s", senderID, uuid.New().String(), name)

	publicURL, err := b.blobs.Upload(ctx, path, file.Data, file.MimeType)
	if err != nil {
		return "", fmt.Errorf("uploading attachment: %w", err)
	}

	return fmt.Sprintf("[file %q available at %s]", name, publicURL), nil
}

func roleFor(post platform.Post, me platform.Identity) string {
	if post.SenderID == me.UserID {
		return store.RoleAssistant
	}
	return store.RoleUser
}

func senderName(post platform.Post) string {
	if post.SenderName != "" {
		return post.SenderName
	}
	return post.SenderID
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}
