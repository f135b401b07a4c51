// Package bot routes chat updates to the relay and runs the long-poll loop.
package bot

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	cmdpkg "github.com/stupiduntilnot/leadrelay/internal/commander"
	"github.com/stupiduntilnot/leadrelay/internal/db"
	"github.com/stupiduntilnot/leadrelay/internal/relay"
)

// Fixed bot texts.
const (
	Greeting = "Hi there! Send me anything to chat. Commands:\n" +
		"/lead <company description> drafts a personalized outreach message\n" +
		"/extract <company description> returns the structured lead as JSON\n" +
		"/message <text> gives a warm, conversational reply"
	UsageExtract    = "Please provide a company description after /extract."
	UsageLead       = "Please provide a company description after /lead."
	UsageMessage    = "Please write something after /message."
	FallbackStorage = "Sorry, something went wrong on my side. Please try again later."
)

// Relay is the conversation orchestrator as seen by the dispatcher.
type Relay interface {
	Chat(ctx context.Context, chatID int64, text string) (string, error)
	Lead(ctx context.Context, chatID int64, text string) (string, error)
	Extract(ctx context.Context, chatID int64, text string) (string, bool, error)
	Tone(ctx context.Context, chatID int64, text string) (string, error)
}

// Sender delivers replies.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts cmdpkg.SendOptions) error
}

// Dispatcher maps one update to a relay operation and sends the reply.
type Dispatcher struct {
	Relay Relay
	Out   Sender
	// DefaultMode handles text that is not a command: relay.ModeChat or
	// relay.ModeLead.
	DefaultMode string
	Journal     *db.Journal
	RootEventID int64
	Log         zerolog.Logger
}

// Handle processes one update. Updates without text are ignored. Only a
// failure to deliver the reply is returned.
func (d *Dispatcher) Handle(ctx context.Context, u cmdpkg.Update) error {
	if u.Message == nil || u.Message.Text == nil {
		return nil
	}
	text := strings.TrimSpace(*u.Message.Text)
	if text == "" {
		return nil
	}
	chatID := u.Message.Chat.ID
	command, args := ParseCommand(text)
	log := d.Log.With().Int64("chat_id", chatID).Int64("update_id", u.UpdateID).Str("command", command).Logger()

	var (
		reply    string
		markdown bool
		err      error
	)
	ctx, ref := relay.WithTurnRef(ctx)
	switch command {
	case "":
		if d.DefaultMode == relay.ModeLead {
			reply, err = d.Relay.Lead(ctx, chatID, args)
		} else {
			reply, err = d.Relay.Chat(ctx, chatID, args)
		}
	case "start":
		reply = Greeting
	case "extract":
		if args == "" {
			reply = UsageExtract
			break
		}
		reply, markdown, err = d.Relay.Extract(ctx, chatID, args)
	case "lead":
		if args == "" {
			reply = UsageLead
			break
		}
		reply, err = d.Relay.Lead(ctx, chatID, args)
	case "message":
		if args == "" {
			reply = UsageMessage
			break
		}
		reply, err = d.Relay.Tone(ctx, chatID, args)
	default:
		log.Debug().Msg("ignoring unknown command")
		return nil
	}
	if err != nil {
		log.Error().Err(err).Msg("relay failed")
		reply, markdown = FallbackStorage, false
	}

	parent := d.RootEventID
	if ref.EventID != 0 {
		parent = ref.EventID
		log = log.With().Str("turn_id", ref.ID).Logger()
	}
	return d.send(ctx, log, parent, chatID, command, reply, markdown)
}

// send delivers reply and journals the outcome under parent: the turn's
// message.received event, or the process root for replies without a turn.
func (d *Dispatcher) send(ctx context.Context, log zerolog.Logger, parent, chatID int64, command, reply string, markdown bool) error {
	opts := cmdpkg.SendOptions{}
	if markdown {
		opts.ParseMode = cmdpkg.ParseModeMarkdown
	}
	err := d.Out.SendMessage(ctx, chatID, reply, opts)
	if err != nil && markdown {
		// The platform rejects replies whose Markdown does not parse.
		log.Warn().Err(err).Msg("markdown reply rejected, resending as plain text")
		err = d.Out.SendMessage(ctx, chatID, reply, cmdpkg.SendOptions{})
	}

	if err != nil {
		log.Error().Err(err).Msg("send reply failed")
		d.event(&parent, db.EventReplyFailed, map[string]any{
			"chat_id": chatID,
			"command": command,
			"error":   err.Error(),
		})
		return err
	}
	d.event(&parent, db.EventReplySent, map[string]any{
		"chat_id":  chatID,
		"command":  command,
		"markdown": markdown,
		"chars":    len([]rune(reply)),
	})
	log.Debug().Msg("reply sent")
	return nil
}

func (d *Dispatcher) event(parent *int64, eventType string, payload map[string]any) {
	if _, err := d.Journal.Log(parent, eventType, payload); err != nil {
		d.Log.Warn().Err(err).Str("event_type", eventType).Msg("journal write failed")
	}
}

// ParseCommand splits "/cmd@bot args" into a lower-case command name and
// the trimmed argument text. Text that is not a command returns an empty
// command and the whole text.
func ParseCommand(text string) (command, args string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	head, rest := text, ""
	if i := strings.IndexAny(text, " \t\n"); i >= 0 {
		head, rest = text[:i], text[i+1:]
	}
	head = strings.TrimPrefix(head, "/")
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	return strings.ToLower(head), strings.TrimSpace(rest)
}
