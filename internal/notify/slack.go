package notify

import (
	"context"

	"github.com/slack-go/slack"

	"github.com/clawhq/dispatcher/internal/config"
)

// SlackChannel delivers notifications to a Slack channel via a bot token.
type SlackChannel struct {
	client *slack.Client
}

// NewSlackChannel returns a SlackChannel authenticated with token.
func NewSlackChannel(token string) *SlackChannel {
	return &SlackChannel{client: slack.New(token)}
}

// Send posts plain text, or an attachment with a severity color when rich
// formatting is enabled.
func (c *SlackChannel) Send(ctx context.Context, target config.NotificationTarget, plain string, rich RichMessage) error {
	opts := []slack.MsgOption{slack.MsgOptionText(plain, false)}
	if rich.Color != "" {
		opts = []slack.MsgOption{
			slack.MsgOptionAttachments(slack.Attachment{
				Color: rich.Color,
				Text:  plain,
			}),
		}
	}
	_, _, err := c.client.PostMessageContext(ctx, target.Target, opts...)
	return err
}
