package discord

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/relaydesk/imgateway/internal/channel"
)

type fakeSession struct {
	mu          sync.Mutex
	typingErr   error
	reactionErr error
	sent        []string
	replies     []string
	files       []string
	removed     int
}

func (s *fakeSession) ChannelMessageSend(_ string, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, content)
	return &discordgo.Message{}, nil
}

func (s *fakeSession) ChannelMessageSendReply(_ string, content string, ref *discordgo.MessageReference, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, ref.MessageID+":"+content)
	return &discordgo.Message{}, nil
}

func (s *fakeSession) ChannelMessageSendComplex(_ string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range data.Files {
		body, _ := io.ReadAll(f.Reader)
		s.files = append(s.files, f.Name+"="+string(body))
	}
	return &discordgo.Message{}, nil
}

func (s *fakeSession) ChannelTyping(string, ...discordgo.RequestOption) error {
	return s.typingErr
}

func (s *fakeSession) MessageReactionAdd(string, string, string, ...discordgo.RequestOption) error {
	return s.reactionErr
}

func (s *fakeSession) MessageReactionRemove(string, string, string, string, ...discordgo.RequestOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed++
	return nil
}

func newTestAdapter(session *fakeSession) *Adapter {
	a := NewAdapter(nil, nil)
	a.session = func(string) (messageSession, error) { return session, nil }
	return a
}

func testConfig() channel.ChannelConfig {
	return channel.ChannelConfig{ChannelType: Type, Credentials: map[string]any{"botToken": "Bot abc"}}
}

func TestParseConfig(t *testing.T) {
	t.Parallel()

	cfg, err := parseConfig(map[string]any{"bot_token": " Bot abc "})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.BotToken != "abc" {
		t.Fatalf("unexpected token %q", cfg.BotToken)
	}
	if _, err := parseConfig(map[string]any{}); !errors.Is(err, channel.ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestBuildEventGuildMention(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	msg := &discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		GuildID:   "g1",
		Content:   " <@42> what's up ",
		Timestamp: ts,
		Author:    &discordgo.User{ID: "7", Username: "alice", GlobalName: "Alice"},
		Mentions:  []*discordgo.User{{ID: "42"}},
	}
	ev, ok := buildEvent(msg, "42", time.Now())
	if !ok {
		t.Fatal("expected event")
	}
	if ev.ChatType != channel.ChatTypeGroup || !ev.Mentioned || ev.SenderName != "Alice" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Target.ConversationID != "c1" || ev.Target.ReplyTo != "m1" || ev.Target.Meta("guild_id") != "g1" {
		t.Fatalf("unexpected target %+v", ev.Target)
	}
	if !ev.ReceivedAt.Equal(ts) {
		t.Fatalf("unexpected timestamp %v", ev.ReceivedAt)
	}
}

func TestBuildEventMentionSources(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  *discordgo.Message
		want bool
	}{
		{name: "no mention", msg: &discordgo.Message{Content: "hello"}, want: false},
		{name: "everyone", msg: &discordgo.Message{Content: "hello", MentionEveryone: true}, want: true},
		{name: "nick mention text", msg: &discordgo.Message{Content: "<@!42> hi"}, want: true},
		{name: "reply to bot", msg: &discordgo.Message{Content: "sure", ReferencedMessage: &discordgo.Message{Author: &discordgo.User{ID: "42"}}}, want: true},
		{name: "reply to someone else", msg: &discordgo.Message{Content: "sure", ReferencedMessage: &discordgo.Message{Author: &discordgo.User{ID: "9"}}}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isBotMentioned(tt.msg, "42"); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestBuildEventAttachmentsOnly(t *testing.T) {
	t.Parallel()

	msg := &discordgo.Message{
		ID:        "m2",
		ChannelID: "dm",
		Author:    &discordgo.User{ID: "7", Username: "bob"},
		Attachments: []*discordgo.MessageAttachment{
			{ID: "a1", URL: "https://cdn/a.png", Filename: "a.png", ContentType: "image/png", Width: 4, Height: 3, Size: 100},
			{ID: "a2", URL: "https://cdn/b.zip", Filename: "b.zip", ContentType: "application/zip"},
		},
	}
	ev, ok := buildEvent(msg, "42", time.Now())
	if !ok {
		t.Fatal("expected event")
	}
	if ev.Kind != channel.KindImage || ev.ChatType != channel.ChatTypeDirect || ev.SenderName != "bob" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if len(ev.Media) != 2 || ev.Media[0].Width != 4 || ev.Media[1].Type != channel.AttachmentDocument {
		t.Fatalf("unexpected media %+v", ev.Media)
	}

	if _, ok := buildEvent(&discordgo.Message{Author: &discordgo.User{ID: "7"}, Content: "  "}, "42", time.Now()); ok {
		t.Fatal("empty message should be skipped")
	}
}

func TestSendTextUsesReplyReference(t *testing.T) {
	t.Parallel()

	session := &fakeSession{}
	a := newTestAdapter(session)
	if err := a.SendText(context.Background(), testConfig(), channel.Target{ConversationID: "c1", ReplyTo: "m1"}, "hi", channel.RenderPlain); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := a.SendText(context.Background(), testConfig(), channel.Target{ConversationID: "c1"}, "later", channel.RenderMarkdown); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(session.replies) != 1 || session.replies[0] != "m1:hi" || len(session.sent) != 1 || session.sent[0] != "later" {
		t.Fatalf("unexpected sends replies=%v sent=%v", session.replies, session.sent)
	}
	if err := a.SendText(context.Background(), testConfig(), channel.Target{}, "x", channel.RenderPlain); !errors.Is(err, channel.ErrNoConversation) {
		t.Fatalf("expected ErrNoConversation, got %v", err)
	}
}

func TestUploadAndSendMedia(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "chart.png")
	if err := os.WriteFile(path, []byte("img"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	session := &fakeSession{}
	a := newTestAdapter(session)
	ref, err := a.UploadMedia(context.Background(), testConfig(), path, channel.MarkerImage, "Chart")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := a.SendMedia(context.Background(), testConfig(), channel.Target{ConversationID: "c1"}, ref); err != nil {
		t.Fatalf("send media: %v", err)
	}
	if len(session.files) != 1 || session.files[0] != "Chart.png=img" {
		t.Fatalf("unexpected files %v", session.files)
	}
	if _, err := a.UploadMedia(context.Background(), testConfig(), filepath.Join(t.TempDir(), "missing"), channel.MarkerFile, ""); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestStartProcessingStatus(t *testing.T) {
	t.Parallel()

	session := &fakeSession{typingErr: errors.New("typing failed")}
	done, err := startProcessingStatus(context.Background(), session, "c1", "m1")
	if err != nil || done == nil {
		t.Fatalf("reaction success should yield a cleanup func, got err=%v", err)
	}
	done()
	if session.removed != 1 {
		t.Fatalf("expected reaction removal, got %d", session.removed)
	}

	session = &fakeSession{typingErr: errors.New("typing failed"), reactionErr: errors.New("no perms")}
	done, err = startProcessingStatus(context.Background(), session, "c1", "m1")
	if done != nil || err == nil || err.Error() != "typing failed" {
		t.Fatalf("expected typing error without cleanup, got %v", err)
	}
}

func TestDownloadMediaWithoutStore(t *testing.T) {
	t.Parallel()

	a := NewAdapter(nil, nil)
	if _, err := a.DownloadMedia(context.Background(), testConfig(), channel.MediaDescriptor{URL: "https://x"}); !errors.Is(err, channel.ErrMediaUnsupported) {
		t.Fatalf("expected ErrMediaUnsupported, got %v", err)
	}
}
