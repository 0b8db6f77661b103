package bedrockbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"slices"
	"strings"
	"time"
)

const (
	commandAsk       = "ask"
	commandSetMood   = "setmood"
	commandMood      = "mood"
	commandStory     = "story"
	commandTrivia    = "trivia"
	commandSummarize = "summarize"
	commandModels    = "models"
	commandClear     = "clear"
	commandHelp      = "help"

	moodContextKey contextKey = "mood"

	modelsQueryAll = "all"

	replyUpstreamError = "Oops, I had trouble thinking. Try asking me again!"
	replyInvalidModel  = "That model isn't available right now. Try `%smodels` to see what is."
	replyInternalError = "Something went wrong handling that command. Please try again later."
	replyNoStory       = "No story started yet!"
	replyNoModels      = "No models available. Please check the models file."
	replyCleared       = "Your conversation history, mood and story have been cleared."
)

var (
	ErrMissingArgument = errors.New("missing argument")
	ErrUnknownCommand  = errors.New("unknown command")
)

// InvalidMoodError is returned by setmood when the mood isn't in the
// allow-list
type InvalidMoodError struct {
	Mood    string
	Allowed []string
}

func (e *InvalidMoodError) Error() string {
	return fmt.Sprintf(
		"invalid mood %q (must be one of: %s)",
		e.Mood,
		strings.Join(e.Allowed, ", "),
	)
}

// IncomingMessage is a chat message, as seen by the dispatcher
type IncomingMessage struct {
	UserID      string
	Username    string
	DisplayName string
	ChannelID   string
	GuildID     string
	MessageID   string
	Content     string
}

// name is the name used to attribute story contributions and moods
func (m IncomingMessage) name() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.Username
}

// ParsedCommand is a command token and its (possibly empty) argument
type ParsedCommand struct {
	Name     string
	Argument string
}

// ParseCommand splits content into a command name and argument. ok is
// false if content doesn't start with prefix followed by a command token.
// Command names are case-insensitive.
func ParseCommand(prefix string, content string) (cmd ParsedCommand, ok bool) {
	content = strings.TrimSpace(content)
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return cmd, false
	}
	content = strings.TrimPrefix(content, prefix)
	if content == "" || strings.TrimSpace(content[:1]) == "" {
		return cmd, false
	}
	name, arg, _ := strings.Cut(content, " ")
	if i := strings.IndexAny(name, "\n\t"); i >= 0 {
		arg = name[i:] + " " + arg
		name = name[:i]
	}
	cmd.Name = strings.ToLower(name)
	cmd.Argument = strings.TrimSpace(arg)
	return cmd, true
}

type commandHandler func(ctx context.Context, msg IncomingMessage, arg string) (string, error)

// command describes a chat command
type command struct {
	name    string
	usage   string
	help    string
	handler commandHandler
}

// DispatcherConfig holds the settings the dispatcher needs
type DispatcherConfig struct {
	CommandPrefix  string
	RetryTransient bool
	Session        *SessionConfig
}

// Dispatcher maps chat commands to handlers. Handlers read and update
// the injected SessionStore and call the Generator. Commands for a single
// user must be serialized by the caller (see [workerPool]), so session
// updates for one command never interleave with another's.
type Dispatcher struct {
	store   *SessionStore
	llm     Generator
	catalog *ModelCatalog
	trivia  TriviaSource
	config  DispatcherConfig

	moods    []string
	commands map[string]*command
	order    []string

	logger  *slog.Logger
	metrics *Metrics
	db      DBI
}

func NewDispatcher(
	config DispatcherConfig,
	store *SessionStore,
	llm Generator,
	catalog *ModelCatalog,
	trivia TriviaSource,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Session == nil {
		config.Session = DefaultConfig().Session
	}
	if config.CommandPrefix == "" {
		config.CommandPrefix = DefaultDiscordCommandPrefix
	}
	if trivia == nil {
		trivia = NewLLMTriviaSource(llm)
	}

	d := &Dispatcher{
		store:    store,
		llm:      llm,
		catalog:  catalog,
		trivia:   trivia,
		config:   config,
		logger:   logger,
		commands: map[string]*command{},
	}
	for _, m := range config.Session.Moods {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" && !slices.Contains(d.moods, m) {
			d.moods = append(d.moods, m)
		}
	}

	d.register(
		commandAsk, "[question]",
		"Ask me anything! I will respond with my knowledge in a conversational tone.",
		func(ctx context.Context, msg IncomingMessage, arg string) (string, error) {
			return d.Ask(ctx, msg.UserID, arg)
		},
	)
	d.register(
		commandSetMood, "[mood]",
		fmt.Sprintf(
			"Set the bot's mood for %s (%s).",
			formatTTL(config.Session.MoodTTL),
			strings.Join(d.moods, ", "),
		),
		func(ctx context.Context, msg IncomingMessage, arg string) (string, error) {
			return d.SetMood(ctx, msg.UserID, msg.name(), arg)
		},
	)
	d.register(
		commandMood, "",
		"Show the bot's current mood.",
		func(ctx context.Context, msg IncomingMessage, _ string) (string, error) {
			return d.Mood(ctx, msg.UserID)
		},
	)
	d.register(
		commandStory, "[addition]",
		"Contribute to a collaborative story, or show the story so far.",
		func(ctx context.Context, msg IncomingMessage, arg string) (string, error) {
			return d.Story(ctx, msg.UserID, msg.name(), arg)
		},
	)
	d.register(
		commandTrivia, "",
		"Ask for a random trivia question and test your knowledge!",
		func(ctx context.Context, msg IncomingMessage, _ string) (string, error) {
			return d.Trivia(ctx, msg.UserID)
		},
	)
	d.register(
		commandSummarize, "[text]",
		"Provide a long text, and I will summarize it in a concise manner.",
		func(ctx context.Context, msg IncomingMessage, arg string) (string, error) {
			return d.Summarize(ctx, msg.UserID, arg)
		},
	)
	d.register(
		commandModels, "[all|query]",
		fmt.Sprintf(
			"Display a list of available models (default: %d). Use `%smodels all` to see all available models.",
			modelListPreviewSize,
			config.CommandPrefix,
		),
		func(_ context.Context, _ IncomingMessage, arg string) (string, error) {
			return d.modelsReply(arg), nil
		},
	)
	d.register(
		commandClear, "",
		"Forget our conversation, your mood and your story.",
		func(ctx context.Context, msg IncomingMessage, _ string) (string, error) {
			return d.Clear(ctx, msg.UserID), nil
		},
	)
	d.register(
		commandHelp, "",
		"Show this message.",
		func(_ context.Context, _ IncomingMessage, _ string) (string, error) {
			return d.helpReply(), nil
		},
	)
	return d
}

func (d *Dispatcher) register(name, usage, help string, handler commandHandler) {
	d.commands[name] = &command{name: name, usage: usage, help: help, handler: handler}
	d.order = append(d.order, name)
}

// Prefix returns the command prefix
func (d *Dispatcher) Prefix() string {
	return d.config.CommandPrefix
}

// Store returns the session store the dispatcher reads and updates
func (d *Dispatcher) Store() *SessionStore {
	return d.store
}

// Moods returns the mood allow-list
func (d *Dispatcher) Moods() []string {
	return append([]string(nil), d.moods...)
}

// Dispatch parses msg and runs the matching command, converting any error
// to reply text. handled is false (and reply is empty) when the message
// isn't a command, in which case it should be ignored.
//
// Every command is logged and, if a database is configured, recorded as
// a [CommandRecord].
func (d *Dispatcher) Dispatch(ctx context.Context, msg IncomingMessage) (reply string, handled bool) {
	cmd, ok := ParseCommand(d.config.CommandPrefix, msg.Content)
	if !ok {
		return "", false
	}

	rec := NewCommandRecord(msg, cmd)
	logger := d.logger.With(
		logAttrUserID, msg.UserID,
		logAttrUsername, msg.Username,
		logAttrChannelID, msg.ChannelID,
		logAttrCommand, cmd.Name,
		logAttrCommandRecord, rec.ID,
	)

	ctx = withCommandRecordID(WithLogger(ctx, logger), rec.ID)
	d.recordStart(ctx, logger, rec)

	started := time.Now()
	reply, err := d.Execute(ctx, msg, cmd)
	elapsed := time.Since(started)
	if err != nil {
		reply = d.errorReply(cmd, err)
		logger.ErrorContext(
			ctx,
			"command failed",
			"argument", truncate(cmd.Argument, 200),
			"elapsed", elapsed,
			tint.Err(err),
		)
	} else {
		logger.InfoContext(ctx, "command completed", "elapsed", elapsed)
	}

	metricName := cmd.Name
	if _, known := d.commands[cmd.Name]; !known {
		metricName = "unknown"
	}
	d.metrics.observeCommand(metricName, err, elapsed)
	d.recordFinish(ctx, logger, rec, reply, err)
	return reply, true
}

// Execute runs a parsed command for the message's author, returning
// ErrUnknownCommand if no handler is registered for it
func (d *Dispatcher) Execute(
	ctx context.Context,
	msg IncomingMessage,
	cmd ParsedCommand,
) (string, error) {
	c, ok := d.commands[cmd.Name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Name)
	}
	return c.handler(ctx, msg, cmd.Argument)
}

// errorReply converts a command error to the text sent back to the user
func (d *Dispatcher) errorReply(cmd ParsedCommand, err error) string {
	var (
		upstreamErr     *UpstreamError
		invalidModelErr *InvalidModelError
		invalidMoodErr  *InvalidMoodError
	)
	switch {
	case errors.Is(err, ErrUnknownCommand):
		return fmt.Sprintf(
			"I didn't understand that command. Try `%sask [question]`!",
			d.config.CommandPrefix,
		)
	case errors.Is(err, ErrMissingArgument):
		c := d.commands[cmd.Name]
		return fmt.Sprintf("Usage: `%s%s %s`", d.config.CommandPrefix, c.name, c.usage)
	case errors.As(err, &invalidMoodErr):
		return fmt.Sprintf(
			"Sorry, %q isn't a mood I know. Try one of: %s",
			invalidMoodErr.Mood,
			strings.Join(invalidMoodErr.Allowed, ", "),
		)
	case errors.As(err, &invalidModelErr):
		return fmt.Sprintf(replyInvalidModel, d.config.CommandPrefix)
	case errors.As(err, &upstreamErr):
		return replyUpstreamError
	case errors.Is(err, ErrNoTrivia):
		return "I'm all out of trivia questions right now!"
	default:
		return replyInternalError
	}
}

// currentMood returns the user's mood, or the default mood if none is set.
// It doesn't create a session for a user who has none.
func (d *Dispatcher) currentMood(userID string) string {
	if sess, ok := d.store.Lookup(userID); ok && sess.Mood != "" {
		return sess.Mood
	}
	return d.config.Session.DefaultMood
}

// generate calls the model, retrying once if the request failed with a
// transient error and retries are enabled
func (d *Dispatcher) generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	var resp GenerateResponse
	err := d.retry(
		ctx, func() error {
			var e error
			resp, e = d.llm.Generate(ctx, req)
			return e
		},
	)
	return resp, err
}

func (d *Dispatcher) retry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !d.config.RetryTransient || !isTransientUpstream(err) {
		return err
	}
	if ctx.Err() != nil {
		return err
	}
	contextLoggerOr(ctx, d.logger).WarnContext(
		ctx,
		"transient upstream error, retrying",
		tint.Err(err),
	)
	return fn()
}

// Ask sends the question to the model along with the user's mood and
// conversation history, then appends the question and answer to the
// history as a single update.
func (d *Dispatcher) Ask(ctx context.Context, userID string, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", fmt.Errorf("%w: question", ErrMissingArgument)
	}
	mood := d.currentMood(userID)
	history := d.store.History(userID)
	prompt := buildAskPrompt(mood, history, question, d.config.Session.MaxPromptWords)

	resp, err := d.generate(ctx, GenerateRequest{Prompt: prompt})
	if err != nil {
		return "", err
	}
	d.store.AppendTurns(
		userID,
		Turn{Role: RoleUser, Text: question},
		Turn{Role: RoleBot, Text: resp.Text},
	)
	return resp.Text, nil
}

// SetMood sets the user's mood, if it's in the allow-list. name is used
// in the confirmation message.
func (d *Dispatcher) SetMood(
	ctx context.Context,
	userID string,
	name string,
	mood string,
) (string, error) {
	mood = strings.ToLower(strings.TrimSpace(mood))
	if mood == "" {
		return "", fmt.Errorf("%w: mood", ErrMissingArgument)
	}
	if !slices.Contains(d.moods, mood) {
		return "", &InvalidMoodError{Mood: mood, Allowed: d.Moods()}
	}
	ttl := d.config.Session.MoodTTL
	d.store.SetMood(userID, mood, ttl)
	contextLoggerOr(ctx, d.logger).InfoContext(ctx, "mood set", "mood", mood, "ttl", ttl)
	return fmt.Sprintf(
		"Bot mood for %s has been set to %s. It will last for %s.",
		name,
		mood,
		formatTTL(ttl),
	), nil
}

// Mood reports the user's current mood
func (d *Dispatcher) Mood(_ context.Context, userID string) (string, error) {
	sess, ok := d.store.Lookup(userID)
	if !ok || sess.Mood == "" {
		return fmt.Sprintf(
			"No mood set, so I'm feeling %s. Use `%ssetmood [mood]` to change that.",
			d.config.Session.DefaultMood,
			d.config.CommandPrefix,
		), nil
	}
	remaining := sess.MoodExpiresAt.Sub(d.store.Now()).Round(time.Minute)
	return fmt.Sprintf(
		"My mood is %s for another %s.",
		sess.Mood,
		formatTTL(max(remaining, time.Minute)),
	), nil
}

// Story appends addition to the user's story, attributed to name, and
// returns the story so far. With no addition, the story is returned
// unchanged.
//
// If story continuation is enabled, the model adds a line after each
// contribution. A failed continuation is logged, and the story is
// returned without it.
func (d *Dispatcher) Story(
	ctx context.Context,
	userID string,
	name string,
	addition string,
) (string, error) {
	addition = strings.TrimSpace(addition)
	if addition == "" {
		story := d.store.Story(userID)
		if len(story) == 0 {
			return replyNoStory, nil
		}
		return "Here's the story so far:\n" + strings.Join(story, "\n"), nil
	}

	d.store.AppendStory(userID, fmt.Sprintf("%s: %s", name, addition))

	if d.config.Session.StoryContinuation {
		story := d.store.Story(userID)
		prompt := moodPrompt(
			d.currentMood(userID),
			"Continue this collaborative story with one or two sentences. "+
				"Reply with only the new sentences.\n"+strings.Join(story, "\n"),
		)
		resp, err := d.generate(ctx, GenerateRequest{Prompt: prompt})
		if err != nil {
			contextLoggerOr(ctx, d.logger).WarnContext(
				ctx,
				"unable to continue story",
				tint.Err(err),
			)
		} else {
			d.store.AppendStory(userID, fmt.Sprintf("%s: %s", RoleBot, resp.Text))
		}
	}

	return "Story so far:\n" + strings.Join(d.store.Story(userID), "\n"), nil
}

// Trivia returns a random question from the trivia source. The user's
// session isn't modified.
func (d *Dispatcher) Trivia(ctx context.Context, userID string) (string, error) {
	ctx = context.WithValue(ctx, moodContextKey, d.currentMood(userID))
	var question string
	err := d.retry(
		ctx, func() error {
			var e error
			question, e = d.trivia.RandomQuestion(ctx)
			return e
		},
	)
	if err != nil {
		return "", err
	}
	return "Trivia Time: " + question, nil
}

// Summarize asks the model to summarize text. It's a one-shot request:
// the user's history is neither included nor modified.
func (d *Dispatcher) Summarize(ctx context.Context, userID string, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: text", ErrMissingArgument)
	}
	prompt := moodPrompt(
		d.currentMood(userID),
		"Summarize this text in a concise manner: "+text,
	)
	resp, err := d.generate(ctx, GenerateRequest{Prompt: prompt})
	if err != nil {
		return "", err
	}
	return "Summary: " + resp.Text, nil
}

// Models returns the IDs of the available models, in their configured order
func (d *Dispatcher) Models() []string {
	return d.catalog.IDs()
}

// Clear resets the user's session
func (d *Dispatcher) Clear(ctx context.Context, userID string) string {
	d.store.Clear(userID)
	contextLoggerOr(ctx, d.logger).InfoContext(ctx, "session cleared")
	return replyCleared
}

func (d *Dispatcher) modelsReply(query string) string {
	if d.catalog.Len() == 0 {
		return replyNoModels
	}
	query = strings.TrimSpace(query)
	switch {
	case query == "":
		models := d.catalog.Models()
		preview := models[:min(len(models), modelListPreviewSize)]
		return formatModelList(preview) + fmt.Sprintf(
			"\n\nTo see all models, type `%[1]smodels all` or filter by provider/model, e.g., `%[1]smodels anthropic`.",
			d.config.CommandPrefix,
		)
	case strings.EqualFold(query, modelsQueryAll):
		return formatModelList(d.catalog.Models())
	default:
		matches := d.catalog.Filter(query)
		if len(matches) == 0 {
			return fmt.Sprintf(
				"No models found matching `%s`. Try using a provider or model name.",
				strings.ToLower(query),
			)
		}
		return formatModelList(matches)
	}
}

func (d *Dispatcher) helpReply() string {
	lines := make([]string, 0, len(d.order))
	for _, name := range d.order {
		c := d.commands[name]
		usage := d.config.CommandPrefix + c.name
		if c.usage != "" {
			usage += " " + c.usage
		}
		lines = append(lines, fmt.Sprintf("**%s**: %s", usage, c.help))
	}
	return strings.Join(lines, "\n")
}

func (d *Dispatcher) recordStart(ctx context.Context, logger *slog.Logger, rec *CommandRecord) {
	if d.db == nil {
		return
	}
	rec.State = CommandStateInProgress
	rec.Attempts = 1
	if _, err := d.db.Create(context.WithoutCancel(ctx), rec); err != nil {
		logger.ErrorContext(ctx, "error saving command record", tint.Err(err))
	}
}

func (d *Dispatcher) recordFinish(
	ctx context.Context,
	logger *slog.Logger,
	rec *CommandRecord,
	reply string,
	err error,
) {
	if d.db == nil {
		return
	}
	finished := time.Now().UTC().UnixMilli()
	updates := map[string]any{
		"state":       CommandStateCompleted,
		"response":    reply,
		"finished_at": &finished,
	}
	if err != nil {
		updates["state"] = CommandStateFailed
		updates["error"] = err.Error()
	}
	if _, e := d.db.Updates(context.WithoutCancel(ctx), rec, updates); e != nil {
		logger.ErrorContext(ctx, "error updating command record", tint.Err(e))
	}
}

// moodPrompt prefixes body with the mood instruction
func moodPrompt(mood string, body string) string {
	return fmt.Sprintf("Respond in a %s tone.\n%s", mood, body)
}

// buildAskPrompt builds the 'ask' prompt from the mood, the user's history
// and the new question. If maxWords is set, the oldest turns are left out
// until the history and question fit within it. The question itself is
// always included.
func buildAskPrompt(mood string, history []Turn, question string, maxWords int) string {
	questionLine := fmt.Sprintf("%s: %s", RoleUser, question)

	lines := make([]string, 0, len(history))
	for _, t := range history {
		lines = append(lines, fmt.Sprintf("%s: %s", t.Role, t.Text))
	}
	if maxWords > 0 {
		total := wordCount(questionLine)
		for _, l := range lines {
			total += wordCount(l)
		}
		for len(lines) > 0 && total > maxWords {
			total -= wordCount(lines[0])
			lines = lines[1:]
		}
	}

	lines = append(lines, questionLine)
	return moodPrompt(mood, strings.Join(lines, "\n"))
}

// formatTTL formats whole-minute durations as 'N minutes'
func formatTTL(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		minutes := int(d / time.Minute)
		if minutes == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", minutes)
	}
	return d.String()
}
