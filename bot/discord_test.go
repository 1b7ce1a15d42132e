package bot

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/douglarek/cyberblade/poller"
)

type sentMessage struct {
	channelID string
	content   string
}

type fakeRest struct {
	channels map[string]*discordgo.Channel
	app      *discordgo.Application
	appErr   error
	dmErr    error
	sendErr  error

	appLookups int
	dmOpened   []string
	sent       []sentMessage
}

func (f *fakeRest) Channel(channelID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	ch, ok := f.channels[channelID]
	if !ok {
		return nil, errors.New("HTTP 404 Not Found, {\"message\": \"Unknown Channel\", \"code\": 10003}")
	}
	return ch, nil
}

func (f *fakeRest) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, sentMessage{channelID: channelID, content: content})
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func (f *fakeRest) Application(string) (*discordgo.Application, error) {
	f.appLookups++
	return f.app, f.appErr
}

func (f *fakeRest) UserChannelCreate(recipientID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	if f.dmErr != nil {
		return nil, f.dmErr
	}
	f.dmOpened = append(f.dmOpened, recipientID)
	return &discordgo.Channel{ID: "dm-" + recipientID}, nil
}

func TestResolve(t *testing.T) {
	rest := &fakeRest{channels: map[string]*discordgo.Channel{"100": {ID: "100", Name: "news"}}}
	d := &Discord{rest: rest}

	dest, err := d.Resolve(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, poller.Destination{ID: "100", Name: "news"}, dest)

	_, err = d.Resolve(context.Background(), "200")
	assert.Error(t, err)
}

func TestNotify(t *testing.T) {
	rest := &fakeRest{}
	d := &Discord{rest: rest}

	require.NoError(t, d.Notify(context.Background(), poller.Destination{ID: "100"}, "hello"))
	assert.Equal(t, []sentMessage{{channelID: "100", content: "hello"}}, rest.sent)

	rest.sendErr = errors.New("Missing Access")
	assert.EqualError(t, d.Notify(context.Background(), poller.Destination{ID: "100"}, "again"), "Missing Access")
}

func TestReportToConfiguredOwner(t *testing.T) {
	rest := &fakeRest{}
	d := &Discord{rest: rest, ownerID: "42"}

	require.NoError(t, d.Report(context.Background(), "cycle failed"))
	assert.Zero(t, rest.appLookups)
	assert.Equal(t, []string{"42"}, rest.dmOpened)
	assert.Equal(t, []sentMessage{{channelID: "dm-42", content: "cycle failed"}}, rest.sent)
}

func TestReportFallsBackToApplicationOwner(t *testing.T) {
	rest := &fakeRest{app: &discordgo.Application{Owner: &discordgo.User{ID: "7"}}}
	d := &Discord{rest: rest}

	require.NoError(t, d.Report(context.Background(), "cycle failed"))
	assert.Equal(t, 1, rest.appLookups)
	assert.Equal(t, []sentMessage{{channelID: "dm-7", content: "cycle failed"}}, rest.sent)
}

func TestReportFailures(t *testing.T) {
	tests := []struct {
		name    string
		rest    *fakeRest
		wantErr string
	}{
		{
			name:    "application lookup fails",
			rest:    &fakeRest{appErr: errors.New("401 Unauthorized")},
			wantErr: "cannot look up application owner: 401 Unauthorized",
		},
		{
			name:    "application without owner",
			rest:    &fakeRest{app: &discordgo.Application{}},
			wantErr: "application has no owner",
		},
		{
			name:    "direct message refused",
			rest:    &fakeRest{app: &discordgo.Application{Owner: &discordgo.User{ID: "7"}}, dmErr: errors.New("Cannot send messages to this user")},
			wantErr: "cannot open direct message: Cannot send messages to this user",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Discord{rest: tt.rest}
			assert.EqualError(t, d.Report(context.Background(), "cycle failed"), tt.wantErr)
			assert.Empty(t, tt.rest.sent)
		})
	}
}

func TestAllowed(t *testing.T) {
	d := &Discord{rest: &fakeRest{}, ownerID: "42"}

	for _, cmd := range []string{"test", "list", "export"} {
		assert.True(t, d.allowed(cmd, "1"), cmd)
	}
	for _, cmd := range []string{"sub", "unsub"} {
		assert.True(t, d.allowed(cmd, "42"), cmd)
		assert.False(t, d.allowed(cmd, "1"), cmd)
		assert.False(t, d.allowed(cmd, ""), cmd)
	}

	app := &Discord{rest: &fakeRest{app: &discordgo.Application{Owner: &discordgo.User{ID: "7"}}}}
	assert.True(t, app.allowed("sub", "7"))
	assert.False(t, app.allowed("sub", "42"))

	broken := &Discord{rest: &fakeRest{appErr: errors.New("timeout")}}
	assert.False(t, broken.allowed("sub", "7"))
	assert.True(t, broken.allowed("list", "7"))
}

func TestInvokerID(t *testing.T) {
	guild := &discordgo.Interaction{Member: &discordgo.Member{User: &discordgo.User{ID: "1"}}}
	dm := &discordgo.Interaction{User: &discordgo.User{ID: "2"}}

	assert.Equal(t, "1", invokerID(guild))
	assert.Equal(t, "2", invokerID(dm))
	assert.Empty(t, invokerID(&discordgo.Interaction{}))
}
