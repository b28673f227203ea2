// ABOUTME: Scriptable fake platform Client for testing
// ABOUTME: Records posts/edits and lets tests inject events and connection drops

package platform

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomlabs/tether/internal/store"
)

// CreatedPost records one CreatePost call on the fake.
type CreatedPost struct {
	ID        string
	ChannelID string
	RootID    string
	Text      string
	HTML      string
}

// UpdatedPost records one UpdatePost call on the fake.
type UpdatedPost struct {
	ChannelID string
	PostID    string
	Text      string
	HTML      string
}

// FakeClient is an in-memory Client implementation for tests. Zero value is
// not usable; construct with NewFakeClient.
type FakeClient struct {
	mu sync.Mutex

	// Script knobs
	Me         Identity
	AuthErr    error
	ConnectErr error
	CreateErr  error
	UpdateErr  error
	Threads    map[string][]Post // keyed by channelID + "/" + rootID
	Recent     map[string][]Post // keyed by channelID
	Files      map[string]*File  // keyed by attachment URI

	handler      EventHandler
	connected    bool
	authCalls    int
	connectCalls int
	closeCalls   int
	created      []CreatedPost
	updated      []UpdatedPost
	nextPostID   int
}

// NewFakeClient creates a fake client with the given bot identity.
func NewFakeClient(me Identity) *FakeClient {
	return &FakeClient{
		Me:      me,
		Threads: make(map[string][]Post),
		Recent:  make(map[string][]Post),
		Files:   make(map[string]*File),
	}
}

func (f *FakeClient) Authenticate(_ context.Context) (*Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	if f.AuthErr != nil {
		return nil, f.AuthErr
	}
	me := f.Me
	return &me, nil
}

func (f *FakeClient) Connect(_ context.Context, handler EventHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.handler = handler
	f.connected = true
	return nil
}

func (f *FakeClient) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	f.connected = false
	return nil
}

func (f *FakeClient) ThreadPosts(_ context.Context, channelID, rootID string) ([]Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Post(nil), f.Threads[channelID+"/"+rootID]...), nil
}

func (f *FakeClient) RecentPosts(_ context.Context, channelID string, limit int) ([]Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	posts := f.Recent[channelID]
	if len(posts) > limit {
		posts = posts[:limit]
	}
	return append([]Post(nil), posts...), nil
}

func (f *FakeClient) CreatePost(_ context.Context, channelID, rootID, text, html string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.nextPostID++
	post := CreatedPost{
		ID:        fmt.Sprintf("post-%d", f.nextPostID),
		ChannelID: channelID,
		RootID:    rootID,
		Text:      text,
		HTML:      html,
	}
	f.created = append(f.created, post)
	return post.ID, nil
}

func (f *FakeClient) UpdatePost(_ context.Context, channelID, postID, text, html string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UpdateErr != nil {
		return f.UpdateErr
	}
	f.updated = append(f.updated, UpdatedPost{
		ChannelID: channelID,
		PostID:    postID,
		Text:      text,
		HTML:      html,
	})
	return nil
}

func (f *FakeClient) DownloadFile(_ context.Context, att Attachment) (*File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.Files[att.URI]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", att.URI)
	}
	return file, nil
}

func (f *FakeClient) SetTyping(_ context.Context, _ string, _ bool) {}

// Deliver pushes an inbound event to the registered handler, simulating the
// realtime channel.
func (f *FakeClient) Deliver(ctx context.Context, event MessageEvent) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(ctx, event)
	}
}

// DropConnection simulates a transport drop without a Close call.
func (f *FakeClient) DropConnection() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

// AuthCalls returns the number of Authenticate calls.
func (f *FakeClient) AuthCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls
}

// ConnectCalls returns the number of Connect calls.
func (f *FakeClient) ConnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

// CloseCalls returns the number of Close calls.
func (f *FakeClient) CloseCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

// Created returns a copy of all recorded CreatePost calls.
func (f *FakeClient) Created() []CreatedPost {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CreatedPost(nil), f.created...)
}

// Updated returns a copy of all recorded UpdatePost calls.
func (f *FakeClient) Updated() []UpdatedPost {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]UpdatedPost(nil), f.updated...)
}

// FakeFactory returns a Factory that hands out the given clients in order,
// then keeps returning the last one. Used to observe transport recycling.
func FakeFactory(clients ...*FakeClient) (Factory, func() []store.IntegrationConfig) {
	var mu sync.Mutex
	var configs []store.IntegrationConfig
	i := 0
	factory := func(cfg store.IntegrationConfig) (Client, error) {
		mu.Lock()
		defer mu.Unlock()
		configs = append(configs, cfg)
		client := clients[i]
		if i < len(clients)-1 {
			i++
		}
		return client, nil
	}
	seen := func() []store.IntegrationConfig {
		mu.Lock()
		defer mu.Unlock()
		return append([]store.IntegrationConfig(nil), configs...)
	}
	return factory, seen
}
