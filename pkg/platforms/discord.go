package platforms

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/dotsetgreg/mingle/pkg/bus"
	"github.com/dotsetgreg/mingle/pkg/config"
	"github.com/dotsetgreg/mingle/pkg/logger"
)

const discordMessageLimit = 1900

// DiscordPlatform is the push-based adapter. The gateway feeds inbound
// messages onto the bus; the handler task decides whether to respond.
// Message ids are composed "channelID-messageID" so they stay globally
// unique in the shared store.
type DiscordPlatform struct {
	*BasePlatform
	session       *discordgo.Session
	token         string
	postChannelID string
	allowFrom     []string
	bus           *bus.MessageBus
}

func NewDiscordPlatform(cfg config.DiscordConfig, postChannelID string, messageBus *bus.MessageBus) (*DiscordPlatform, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("platforms.discord.token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	return &DiscordPlatform{
		BasePlatform:  NewBasePlatform("discord"),
		session:       session,
		token:         cfg.Token,
		postChannelID: postChannelID,
		allowFrom:     cfg.AllowFrom,
		bus:           messageBus,
	}, nil
}

func (p *DiscordPlatform) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord gateway")

	p.session.AddHandler(p.handleMessage)

	if err := p.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	p.setRunning(true)

	botUser, err := p.session.User("@me")
	if err != nil {
		return fmt.Errorf("get bot user: %w", err)
	}
	logger.InfoCF("discord", "Discord gateway connected", map[string]any{
		"username": botUser.Username,
		"user_id":  botUser.ID,
	})
	return nil
}

func (p *DiscordPlatform) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord gateway")
	p.setRunning(false)
	if err := p.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}

// Subscribe blocks while the gateway delivers messages, until ctx is
// canceled or the connection cannot be (re)established.
func (p *DiscordPlatform) Subscribe(ctx context.Context) error {
	if !p.IsRunning() {
		if err := p.Start(ctx); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return p.Stop(context.WithoutCancel(ctx))
}

// ResetPending discards the gateway session state so the next Subscribe
// re-identifies from scratch instead of resuming a contested session.
func (p *DiscordPlatform) ResetPending(ctx context.Context) error {
	logger.WarnC("discord", "Resetting gateway session state")
	_ = p.session.Close()
	session, err := discordgo.New("Bot " + p.token)
	if err != nil {
		return fmt.Errorf("recreate discord session: %w", err)
	}
	p.session = session
	p.setRunning(false)
	return nil
}

func (p *DiscordPlatform) isAllowed(senderID, username string) bool {
	if len(p.allowFrom) == 0 {
		return true
	}
	for _, allowed := range p.allowFrom {
		candidate := strings.TrimSpace(strings.TrimPrefix(allowed, "@"))
		if candidate == "" {
			continue
		}
		if candidate == senderID || candidate == username {
			return true
		}
	}
	return false
}

func (p *DiscordPlatform) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Author == nil {
		return
	}
	if s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	if !p.isAllowed(m.Author.ID, m.Author.Username) {
		logger.DebugCF("discord", "Message rejected by allowlist", map[string]any{
			"user_id": m.Author.ID,
		})
		return
	}

	content := m.Content
	media := make([]string, 0, len(m.Attachments))
	for _, attachment := range m.Attachments {
		media = append(media, attachment.URL)
	}
	if content == "" && len(media) == 0 {
		return
	}

	mention := false
	if s.State.User != nil {
		for _, u := range m.Mentions {
			if u.ID == s.State.User.ID {
				mention = true
				break
			}
		}
	}
	replyToSelf := false
	responseTo := ""
	if m.ReferencedMessage != nil {
		responseTo = composeID(m.ChannelID, m.ReferencedMessage.ID)
		if s.State.User != nil && m.ReferencedMessage.Author != nil &&
			m.ReferencedMessage.Author.ID == s.State.User.ID {
			replyToSelf = true
		}
	}

	posted := m.Timestamp
	if posted.IsZero() {
		posted = time.Now().UTC()
	}

	p.bus.PublishInbound(bus.InboundMessage{
		Platform:       p.Name(),
		MessageID:      composeID(m.ChannelID, m.ID),
		ConversationID: m.ChannelID,
		AuthorID:       m.Author.ID,
		Author:         m.Author.Username,
		Content:        content,
		ResponseTo:     responseTo,
		Mention:        mention,
		ReplyToSelf:    replyToSelf,
		Posted:         posted,
		Media:          media,
		Metadata: map[string]any{
			"guild_id":   m.GuildID,
			"channel_id": m.ChannelID,
		},
	})
}

func composeID(channelID, messageID string) string {
	return channelID + "-" + messageID
}

// splitComposedID splits "channelID-messageID" back into its parts.
func splitComposedID(id string) (channelID, messageID string, ok bool) {
	idx := strings.LastIndex(id, "-")
	if idx <= 0 || idx == len(id)-1 {
		return "", "", false
	}
	return id[:idx], id[idx+1:], true
}

func (p *DiscordPlatform) Publish(ctx context.Context, content string, media []string, inReplyTo string) (string, error) {
	if !p.IsRunning() {
		return "", fmt.Errorf("%w: discord gateway not running", ErrTransient)
	}

	channelID := p.postChannelID
	var reference *discordgo.MessageReference
	if inReplyTo != "" {
		replyChannel, messageID, ok := splitComposedID(inReplyTo)
		if !ok {
			return "", fmt.Errorf("malformed reply id %q", inReplyTo)
		}
		channelID = replyChannel
		reference = &discordgo.MessageReference{ChannelID: replyChannel, MessageID: messageID}
	}
	if channelID == "" {
		return "", fmt.Errorf("no target channel for publish")
	}

	if len(media) > 0 {
		content = content + "\n" + strings.Join(media, "\n")
	}

	var firstID string
	for _, chunk := range splitMessage(content, discordMessageLimit) {
		sent, err := p.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
			Content:   chunk,
			Reference: reference,
		})
		if err != nil {
			return "", classifyDiscordError(err)
		}
		if firstID == "" {
			firstID = composeID(channelID, sent.ID)
		}
		reference = nil
	}
	return firstID, nil
}

func classifyDiscordError(err error) error {
	if restErr, ok := err.(*discordgo.RESTError); ok && restErr.Response != nil {
		msg := ""
		if restErr.Message != nil {
			msg = restErr.Message.Message
		}
		return classifyStatus(restErr.Response.StatusCode, msg)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// splitMessage chunks long content at natural boundaries so it fits the
// platform message limit.
func splitMessage(content string, limit int) []string {
	var chunks []string
	for len(content) > 0 {
		if len(content) <= limit {
			chunks = append(chunks, content)
			break
		}
		end := limit
		if idx := strings.LastIndexByte(content[:limit], '\n'); idx > limit/2 {
			end = idx
		} else if idx := strings.LastIndexByte(content[:limit], ' '); idx > limit/2 {
			end = idx
		}
		chunks = append(chunks, content[:end])
		content = strings.TrimSpace(content[end:])
	}
	return chunks
}

// SearchRecent is unsupported on the gateway transport; discovery happens
// through the push subscription instead.
func (p *DiscordPlatform) SearchRecent(ctx context.Context, query string, opts SearchOptions) (SearchResult, error) {
	return SearchResult{}, nil
}

func (p *DiscordPlatform) FetchConversation(ctx context.Context, conversationID string) ([]Item, error) {
	msgs, err := p.session.ChannelMessages(conversationID, 50, "", "", "")
	if err != nil {
		return nil, classifyDiscordError(err)
	}
	items := make([]Item, 0, len(msgs))
	// ChannelMessages returns newest first.
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		author := ""
		authorID := ""
		if m.Author != nil {
			author = m.Author.Username
			authorID = m.Author.ID
		}
		items = append(items, Item{
			ID:             composeID(conversationID, m.ID),
			ConversationID: conversationID,
			AuthorID:       authorID,
			Author:         author,
			Content:        m.Content,
			CreatedAt:      m.Timestamp,
		})
	}
	return items, nil
}
