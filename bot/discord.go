package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/douglarek/cyberblade/poller"
)

const commandName = "cyberblade"

var (
	defaultMemberPermissions int64 = discordgo.PermissionAdministrator // admin only unless a guild overrides it

	urlOption = []*discordgo.ApplicationCommandOption{
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "url",
			Description: "a rss feed url",
			Required:    true,
		},
	}

	discordCommand = &discordgo.ApplicationCommand{
		Name:                     commandName,
		Description:              "cyberblade main command",
		DefaultMemberPermissions: &defaultMemberPermissions,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommandGroup,
				Name:        "feed",
				Description: "feed subcommand",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "test",
						Description: "test a rss feed",
						Options:     urlOption,
					},
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "sub",
						Description: "subscribe a rss feed",
						Options:     urlOption,
					},
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "unsub",
						Description: "unsubscribe a rss feed",
						Options:     urlOption,
					},
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "list",
						Description: "list rss feeds",
					},
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "export",
						Description: "export rss feeds to opml file",
					},
				},
			},
		},
	}
)

var (
	_ poller.Resolver = (*Discord)(nil)
	_ poller.Notifier = (*Discord)(nil)
	_ poller.Reporter = (*Discord)(nil)
)

// restClient is the part of *discordgo.Session used to reach channels and the
// operator.
type restClient interface {
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	Application(appID string) (*discordgo.Application, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

// ownerOnly lists the subcommands only the bot owner may run.
var ownerOnly = map[string]bool{"sub": true, "unsub": true}

// Discord owns the bot session. It answers slash commands and serves as the
// poller's resolver, notifier and operator reporter.
type Discord struct {
	session    *discordgo.Session
	rest       restClient
	commands   *Commands
	ownerID    string
	registered *discordgo.ApplicationCommand
}

func (d *Discord) Close() error {
	if d.registered != nil {
		if err := d.session.ApplicationCommandDelete(d.session.State.User.ID, "", d.registered.ID); err != nil {
			slog.Warn("[bot.Close]: cannot remove command", "error", err)
		}
	}
	return d.session.Close()
}

// NewDiscordBot opens the session and registers the slash command. ownerID
// receives failure reports; empty means the application owner.
func NewDiscordBot(token string, commands *Commands, ownerID string) (*Discord, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}

	d := &Discord{session: session, rest: session, commands: commands, ownerID: ownerID}

	session.AddHandler(discordReady)
	session.AddHandler(d.handleInteraction)
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages

	if err := session.Open(); err != nil {
		return nil, err
	}

	cmd, err := session.ApplicationCommandCreate(session.State.User.ID, "", discordCommand)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("cannot register command: %w", err)
	}
	d.registered = cmd

	return d, nil
}

func discordReady(_ *discordgo.Session, r *discordgo.Ready) {
	slog.Info("[bot.discordReady]: bot is ready", "user", r.User.Username+"#"+r.User.Discriminator)
}

func (d *Discord) Resolve(ctx context.Context, channelID string) (poller.Destination, error) {
	ch, err := d.rest.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return poller.Destination{}, err
	}
	return poller.Destination{ID: ch.ID, Name: ch.Name}, nil
}

func (d *Discord) Notify(ctx context.Context, dest poller.Destination, content string) error {
	_, err := d.rest.ChannelMessageSend(dest.ID, content, discordgo.WithContext(ctx))
	return err
}

// owner returns the configured owner, or the application owner when none is
// configured.
func (d *Discord) owner() (string, error) {
	if d.ownerID != "" {
		return d.ownerID, nil
	}
	app, err := d.rest.Application("@me")
	if err != nil {
		return "", fmt.Errorf("cannot look up application owner: %w", err)
	}
	if app == nil || app.Owner == nil {
		return "", errors.New("application has no owner")
	}
	return app.Owner.ID, nil
}

// Report sends content as a direct message to the operator.
func (d *Discord) Report(ctx context.Context, content string) error {
	ownerID, err := d.owner()
	if err != nil {
		return err
	}
	ch, err := d.rest.UserChannelCreate(ownerID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("cannot open direct message: %w", err)
	}
	_, err = d.rest.ChannelMessageSend(ch.ID, content, discordgo.WithContext(ctx))
	return err
}

// allowed reports whether userID may run command. Subscription changes are
// reserved for the owner; a failed owner lookup denies them.
func (d *Discord) allowed(command, userID string) bool {
	if !ownerOnly[command] {
		return true
	}
	ownerID, err := d.owner()
	if err != nil {
		slog.Error("[bot.allowed]: cannot resolve owner", "error", err)
		return false
	}
	return userID != "" && userID == ownerID
}

// invokerID is the user behind an interaction, whether it came from a guild
// or a direct message.
func invokerID(i *discordgo.Interaction) string {
	switch {
	case i.Member != nil && i.Member.User != nil:
		return i.Member.User.ID
	case i.User != nil:
		return i.User.ID
	}
	return ""
}

func (d *Discord) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	if data.Name != commandName || len(data.Options) == 0 {
		return
	}

	group := data.Options[0]
	if group.Name != "feed" || len(group.Options) == 0 {
		return
	}
	sub := group.Options[0]
	var feedURL string
	for _, o := range sub.Options {
		if o.Name == "url" {
			feedURL = o.StringValue()
		}
	}

	// fetching can outlast the three seconds Discord waits for an answer
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	})
	if err != nil {
		slog.Error("[bot.handleInteraction]: cannot defer response", "command", sub.Name, "error", err)
		return
	}

	var reply Reply
	if d.allowed(sub.Name, invokerID(i.Interaction)) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		reply = d.commands.Dispatch(ctx, sub.Name, feedURL, i.ChannelID)
	} else {
		reply = Reply{Content: "Only the bot owner can change subscriptions", TTL: shortTTL}
	}

	edit := &discordgo.WebhookEdit{Content: &reply.Content}
	if reply.File != nil {
		edit.Files = []*discordgo.File{{
			Name:        reply.File.Name,
			ContentType: "text/x-opml",
			Reader:      bytes.NewReader(reply.File.Data),
		}}
	}
	if _, err := s.InteractionResponseEdit(i.Interaction, edit); err != nil {
		slog.Error("[bot.handleInteraction]: cannot send response", "command", sub.Name, "error", err)
		return
	}

	if reply.TTL > 0 {
		time.AfterFunc(reply.TTL, func() {
			if err := s.InteractionResponseDelete(i.Interaction); err != nil {
				slog.Debug("[bot.handleInteraction]: cannot delete response", "error", err)
			}
		})
	}
}
