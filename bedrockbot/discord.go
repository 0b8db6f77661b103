package bedrockbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

const replyQueueFull = "You have too many commands waiting. Please wait for me to catch up!"

// DiscordSessionHandler is the subset of discordgo.Session used by the
// bot, so it can be mocked in tests.
type DiscordSessionHandler interface {
	// Open opens the gateway websocket connection
	Open() error

	// Close closes the gateway connection
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ChannelMessageSend sends a message to the given channel
	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, content, options...)
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(
		channelID, content, reference, options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			logAttrChannelID, channelID,
			"reference", reference,
		)
	} else {
		d.logger.Debug(
			"sent message reply",
			logAttrChannelID, channelID,
			"length", len(content),
			"message_id", msg.ID,
		)
	}
	return msg, err
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

// messageSubmitter queues an incoming message for dispatch
type messageSubmitter func(ctx context.Context, msg IncomingMessage) error

// Discord listens for gateway events, passing prefixed messages to the
// dispatcher (via the submit func) and sending replies back.
type Discord struct {
	session DiscordSessionHandler
	config  *DiscordConfig
	logger  *slog.Logger
	submit  messageSubmitter

	// botUserID is the bot's own user ID, set on Ready. Messages from
	// it are ignored.
	botUserID atomic.Value

	connected         atomic.Bool
	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64

	removeHandlerFuncs []func()
	mu                 sync.Mutex
}

func newDiscord(config *DiscordConfig, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Discord{config: config, logger: logger}
	d.botUserID.Store(config.ApplicationID)
	return d
}

// newSession creates the discordgo session, configured with the bot
// token, gateway intents and log level
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc

	identify := disc.Identify
	identify.Intents = d.config.GatewayIntents
	session.SetIdentify(identify)
	if d.config.httpClient != nil {
		session.SetHTTPClient(d.config.httpClient)
	}
	if d.config.DiscordGoLogLevel != nil {
		if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
			return session, err
		}
	}
	return session, nil
}

// Open adds the gateway event handlers and connects to the gateway
func (d *Discord) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeHandlerFuncs = append(
		d.removeHandlerFuncs,
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerMessageCreate(ctx)),
	)
	d.logger.InfoContext(ctx, "connecting to discord gateway")
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("error opening discord connection: %w", err)
	}
	return nil
}

// Close removes the event handlers and closes the gateway connection
func (d *Discord) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, remove := range d.removeHandlerFuncs {
		remove()
	}
	d.removeHandlerFuncs = nil
	return d.session.Close()
}

func (d *Discord) Connected() bool {
	return d.connected.Load()
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		if r == nil || r.User == nil {
			return
		}
		d.botUserID.Store(r.User.ID)
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			logAttrUserID, r.User.ID,
			logAttrUsername, r.User.Username,
			"guilds", len(r.Guilds),
		)
	}
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, c *discordgo.Connect) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected")

		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Error("unable to set custom status", tint.Err(err))
			}
		}

		if d.config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			if _, err := d.session.ChannelMessageSend(
				d.config.NotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); err != nil {
				d.logger.Error("unable to send startup message", tint.Err(err))
			} else {
				d.logger.Info("sent notification")
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, c *discordgo.Disconnect) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Warn("disconnected")
	}
}

func (d *Discord) handlerMessageCreate(ctx context.Context) func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m == nil {
			return
		}
		d.messageCreate(ctx, m.Message)
	}
}

// messageCreate queues commands from a new message. Messages from bots
// (including this one), and messages without the command prefix, are
// ignored.
func (d *Discord) messageCreate(ctx context.Context, m *discordgo.Message) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return
	}
	if botID, _ := d.botUserID.Load().(string); botID != "" && m.Author.ID == botID {
		return
	}
	if !strings.HasPrefix(strings.TrimSpace(m.Content), d.config.CommandPrefix) {
		return
	}

	msg := incomingMessageFromDiscord(m)
	logger := d.logger.With(
		logAttrUserID, msg.UserID,
		logAttrUsername, msg.Username,
		logAttrChannelID, msg.ChannelID,
	)
	logger.DebugContext(ctx, "received command message", "message_id", msg.MessageID)

	if err := d.submit(ctx, msg); err != nil {
		logger.ErrorContext(ctx, "unable to queue command", tint.Err(err))
		if errors.Is(err, ErrUserQueueFull) {
			d.Reply(ctx, msg, replyQueueFull)
		}
	}
}

func incomingMessageFromDiscord(m *discordgo.Message) IncomingMessage {
	msg := IncomingMessage{
		UserID:      m.Author.ID,
		Username:    m.Author.Username,
		DisplayName: m.Author.GlobalName,
		ChannelID:   m.ChannelID,
		GuildID:     m.GuildID,
		MessageID:   m.ID,
		Content:     m.Content,
	}
	if m.Member != nil && m.Member.Nick != "" {
		msg.DisplayName = m.Member.Nick
	}
	return msg
}

// Reply sends text as a reply to msg, split into as many messages as
// needed to stay within discord's message length limit
func (d *Discord) Reply(ctx context.Context, msg IncomingMessage, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	logger := d.logger.With(logAttrUserID, msg.UserID, logAttrChannelID, msg.ChannelID)
	reference := &discordgo.MessageReference{
		MessageID: msg.MessageID,
		ChannelID: msg.ChannelID,
		GuildID:   msg.GuildID,
	}
	for i, chunk := range chunkMessage(text, discordMaxMessageLength) {
		var err error
		if i == 0 {
			_, err = d.session.ChannelMessageSendReply(msg.ChannelID, chunk, reference)
		} else {
			_, err = d.session.ChannelMessageSend(msg.ChannelID, chunk)
		}
		if err != nil {
			logger.ErrorContext(ctx, "error sending reply", "chunk", i, tint.Err(err))
			return
		}
	}
}
