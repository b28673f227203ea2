// ABOUTME: Inbound event router gating messages into the agent pipeline
// ABOUTME: Loop prevention, addressing, idempotence, identity gate, reply bridging

package bridge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loomlabs/tether/internal/agent"
	"github.com/loomlabs/tether/internal/identity"
	"github.com/loomlabs/tether/internal/platform"
	"github.com/loomlabs/tether/internal/runner"
	"github.com/loomlabs/tether/internal/store"
)

const (
	placeholderText = "Thinking…"
	errorReplyText  = "Sorry, something went wrong while generating a reply. Please try again."

	seenTTL      = 5 * time.Minute
	seenMaxSize  = 100_000
	promptTTL    = time.Hour
	promptedSize = 10_000
)

// Generator produces a reply from conversational context. Satisfied by
// agent.Client.
type Generator interface {
	Generate(ctx context.Context, req agent.GenerateRequest, onEvent func(agent.Event)) (string, error)
}

// Router is the inbound event pipeline. It decides whether an event reaches
// the agent, bridges the conversation context, and posts the reply back.
// One router serves every integration in the process.
type Router struct {
	store        store.Store
	generator    Generator
	builder      *ContextBuilder
	prompter     *identity.Prompter
	formatter    *Formatter
	seen         *SeenCache
	prompted     *SeenCache
	agentTimeout time.Duration
	logger       *slog.Logger
}

// RouterParams configures a Router.
type RouterParams struct {
	Store        store.Store
	Generator    Generator
	Builder      *ContextBuilder
	Prompter     *identity.Prompter
	Formatter    *Formatter
	AgentTimeout time.Duration
	Logger       *slog.Logger
}

// NewRouter creates a router.
func NewRouter(params RouterParams) *Router {
	return &Router{
		store:        params.Store,
		generator:    params.Generator,
		builder:      params.Builder,
		prompter:     params.Prompter,
		formatter:    params.Formatter,
		seen:         NewSeenCache(seenTTL, seenMaxSize),
		prompted:     NewSeenCache(promptTTL, promptedSize),
		agentTimeout: params.AgentTimeout,
		logger:       params.Logger.With("component", "router"),
	}
}

// HandleEvent runs the per-event pipeline. A failure anywhere is contained
// to this event; the sync loop that delivered it is never torn down.
func (r *Router) HandleEvent(ctx context.Context, rc runner.RunnerContext, event platform.MessageEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic handling event",
				"integration_id", rc.Integration.ID, "post_id", event.Post.ID, "panic", rec)
		}
	}()

	post := event.Post
	logger := r.logger.With("integration_id", rc.Integration.ID, "post_id", post.ID)

	// The bot's own posts never re-enter the pipeline, whatever they say.
	if post.SenderID == rc.Me.UserID {
		return
	}

	// Only direct messages and explicit mentions address the bot.
	if !event.DirectMessage && !event.MentionsBot {
		return
	}

	if r.seen.CheckAndMark(rc.Integration.ID + "/" + post.ID) {
		logger.Debug("duplicate event dropped")
		return
	}
	persisted, err := r.store.HasPlatformMessage(ctx, post.ID)
	if err != nil {
		logger.Warn("idempotence check failed", "error", err)
	} else if persisted {
		logger.Debug("already persisted, dropped")
		return
	}

	link, err := r.store.GetLinkByExternalID(ctx, rc.Integration.ID, post.SenderID)
	if errors.Is(err, store.ErrNotFound) {
		r.promptToLink(ctx, rc, post, logger)
		return
	}
	if err != nil {
		logger.Error("identity link lookup failed", "error", err)
		return
	}

	r.bridge(ctx, rc, event, link, logger)
}

// promptToLink posts the association prompt, at most once per sender within
// the prompt TTL. Unlinked senders never reach the agent.
func (r *Router) promptToLink(ctx context.Context, rc runner.RunnerContext, post platform.Post, logger *slog.Logger) {
	if r.prompted.CheckAndMark(rc.Integration.ID + "/" + post.SenderID) {
		logger.Debug("sender already prompted to link")
		return
	}

	prompt, err := r.prompter.Prompt(identity.LinkClaims{
		IntegrationID:    rc.Integration.ID,
		ExternalUserID:   post.SenderID,
		ExternalUserName: post.SenderName,
	})
	if err != nil {
		logger.Error("building link prompt failed", "error", err)
		return
	}

	if _, err := rc.Client.CreatePost(ctx, post.ChannelID, replyRoot(post), prompt, ""); err != nil {
		logger.Error("posting link prompt failed", "error", err)
	}
}

// bridge runs the linked-sender path: context, placeholder, agent call,
// in-place edit, persistence.
func (r *Router) bridge(ctx context.Context, rc runner.RunnerContext, event platform.MessageEvent, link *store.IdentityLink, logger *slog.Logger) {
	post := event.Post

	thread, err := r.store.GetOrCreateThread(ctx, rc.Integration.ID, post.ChannelID, threadExternalID(post))
	if err != nil {
		logger.Error("resolving thread failed", "error", err)
		return
	}

	messages, err := r.builder.Build(ctx, rc.Client, rc.Me, post)
	if err != nil {
		logger.Error("building context failed", "error", err)
		return
	}

	rc.Client.SetTyping(ctx, post.ChannelID, true)
	defer rc.Client.SetTyping(ctx, post.ChannelID, false)

	placeholderID, err := rc.Client.CreatePost(ctx, post.ChannelID, replyRoot(post), placeholderText, "")
	if err != nil {
		logger.Error("posting placeholder failed", "error", err)
		return
	}

	agentCtx, cancel := context.WithTimeout(ctx, r.agentTimeout)
	defer cancel()

	reply, err := r.generator.Generate(agentCtx, agent.GenerateRequest{
		IntegrationID: rc.Integration.ID,
		ThreadID:      thread.ID,
		Sender:        link.InternalUserID,
		Messages:      messages,
	}, nil)
	if err != nil {
		logger.Error("agent generation failed", "error", err)
		// Best effort: leave an explanation where the reply would have been.
		if editErr := rc.Client.UpdatePost(ctx, post.ChannelID, placeholderID, errorReplyText, ""); editErr != nil {
			logger.Warn("error edit failed", "error", editErr)
		}
		return
	}

	text, html := r.formatter.Format(reply, rc.Me)
	if err := rc.Client.UpdatePost(ctx, post.ChannelID, placeholderID, text, html); err != nil {
		logger.Error("posting reply failed", "error", err)
		return
	}

	// Persist the exchange in conversation order: the user turn, then the
	// assistant turn.
	if err := r.store.AppendMessage(ctx, &store.Message{
		ThreadID:          thread.ID,
		PlatformMessageID: post.ID,
		Role:              store.RoleUser,
		Sender:            post.SenderID,
		Content:           post.Text,
	}); err != nil {
		logger.Error("persisting user turn failed", "error", err)
	}
	if err := r.store.AppendMessage(ctx, &store.Message{
		ThreadID:          thread.ID,
		PlatformMessageID: placeholderID,
		Role:              store.RoleAssistant,
		Sender:            rc.Me.UserID,
		Content:           text,
	}); err != nil {
		logger.Error("persisting assistant turn failed", "error", err)
	}

	logger.Info("reply bridged", "thread_id", thread.ID, "context_messages", len(messages))
}

// threadExternalID is the stable platform-side key for the conversation:
// the thread root when the post is threaded, otherwise the post itself
// starts a new thread.
func threadExternalID(post platform.Post) string {
	if post.RootID != "" {
		return post.RootID
	}
	return post.ID
}

// replyRoot threads the reply under the triggering conversation.
func replyRoot(post platform.Post) string {
	if post.RootID != "" {
		return post.RootID
	}
	return post.ID
}
