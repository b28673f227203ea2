// ABOUTME: Tests for Matrix event conversion helpers
// ABOUTME: Covers post mapping, thread parents, mentions, and edit filtering

package platform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func messageEvent(sender, body string) *event.Event {
	return &event.Event{
		ID:        id.EventID("$e1"),
		RoomID:    id.RoomID("!room:example.com"),
		Sender:    id.UserID(sender),
		Timestamp: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
		Type:      event.EventMessage,
		Content: event.Content{
			Parsed: &event.MessageEventContent{
				MsgType: event.MsgText,
				Body:    body,
			},
		},
	}
}

func TestConvertEvent(t *testing.T) {
	m := &MatrixClient{}

	t.Run("plain message", func(t *testing.T) {
		evt := messageEvent("@alice:example.com", "hello")
		content := evt.Content.Parsed.(*event.MessageEventContent)

		post := m.convertEvent(evt, content)
		assert.Equal(t, "$e1", post.ID)
		assert.Equal(t, "!room:example.com", post.ChannelID)
		assert.Equal(t, "@alice:example.com", post.SenderID)
		assert.Equal(t, "alice", post.SenderName)
		assert.Equal(t, "hello", post.Text)
		assert.Empty(t, post.RootID)
		assert.Equal(t, 2026, post.CreatedAt.Year())
	})

	t.Run("threaded message", func(t *testing.T) {
		evt := messageEvent("@alice:example.com", "reply")
		content := evt.Content.Parsed.(*event.MessageEventContent)
		content.RelatesTo = &event.RelatesTo{Type: event.RelThread, EventID: id.EventID("$root")}

		post := m.convertEvent(evt, content)
		assert.Equal(t, "$root", post.RootID)
	})

	t.Run("file attachment", func(t *testing.T) {
		evt := messageEvent("@alice:example.com", "report.pdf")
		content := evt.Content.Parsed.(*event.MessageEventContent)
		content.MsgType = event.MsgFile
		content.URL = id.ContentURIString("mxc://example.com/abc")
		content.Info = &event.FileInfo{MimeType: "application/pdf"}

		post := m.convertEvent(evt, content)
		require.Len(t, post.Attachments, 1)
		assert.Equal(t, "mxc://example.com/abc", post.Attachments[0].URI)
		assert.Equal(t, "report.pdf", post.Attachments[0].Name)
		assert.Equal(t, "application/pdf", post.Attachments[0].MimeType)
	})
}

func TestMentionsUser(t *testing.T) {
	me := &Identity{UserID: "@tether:example.com", DisplayName: "Tether"}

	t.Run("intentional mention", func(t *testing.T) {
		content := &event.MessageEventContent{
			Body:     "hey you",
			Mentions: &event.Mentions{UserIDs: []id.UserID{"@tether:example.com"}},
		}
		assert.True(t, mentionsUser(content, me))
	})

	t.Run("body contains user id", func(t *testing.T) {
		content := &event.MessageEventContent{Body: "ping @tether:example.com please"}
		assert.True(t, mentionsUser(content, me))
	})

	t.Run("body contains display name", func(t *testing.T) {
		content := &event.MessageEventContent{Body: "ask Tether about it"}
		assert.True(t, mentionsUser(content, me))
	})

	t.Run("no mention", func(t *testing.T) {
		content := &event.MessageEventContent{Body: "unrelated chatter"}
		assert.False(t, mentionsUser(content, me))
	})
}

func TestParseMessageContent(t *testing.T) {
	t.Run("message event", func(t *testing.T) {
		evt := messageEvent("@alice:example.com", "hello")
		content := parseMessageContent(evt)
		require.NotNil(t, content)
		assert.Equal(t, "hello", content.Body)
	})

	t.Run("edit skipped", func(t *testing.T) {
		evt := messageEvent("@alice:example.com", "* hello edited")
		content := evt.Content.Parsed.(*event.MessageEventContent)
		content.RelatesTo = &event.RelatesTo{Type: event.RelReplace, EventID: id.EventID("$orig")}

		assert.Nil(t, parseMessageContent(evt))
	})

	t.Run("non-message nil", func(t *testing.T) {
		evt := messageEvent("@alice:example.com", "hello")
		evt.Type = event.EventReaction
		assert.Nil(t, parseMessageContent(evt))
	})
}

func TestLocalpart(t *testing.T) {
	assert.Equal(t, "alice", localpart(id.UserID("@alice:example.com")))
	assert.Equal(t, "bob", localpart(id.UserID("bob")))
}
