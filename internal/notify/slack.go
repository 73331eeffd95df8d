// Package notify reports finished loads to a chat channel.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/JonMunkholm/crashetl/internal/core"
	"github.com/JonMunkholm/crashetl/internal/logging"
)

type Config struct {
	BotToken  string
	ChannelID string
	APIURL    string // override for tests, must end in "/"
}

// Slack posts a summary message per finished load.
type Slack struct {
	api     *slack.Client
	channel string
}

// NewSlack creates a Slack notifier.
func NewSlack(cfg Config) *Slack {
	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &Slack{api: slack.New(cfg.BotToken, opts...), channel: cfg.ChannelID}
}

// LoadFinished posts the outcome of a load.
func (s *Slack) LoadFinished(ctx context.Context, res *core.LoadResult, loadErr error) error {
	log := logging.FromContext(ctx)

	_, ts, err := s.api.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(summaryLine(res, loadErr), false),
		slack.MsgOptionBlocks(Blocks(res, loadErr)...),
	)
	if err != nil {
		log.Error("failed to post slack message", "channel", s.channel, "error", err)
		return fmt.Errorf("post slack message: %w", err)
	}

	log.Info("load summary posted to slack", "channel", s.channel, "timestamp", ts)
	return nil
}

func summaryLine(res *core.LoadResult, loadErr error) string {
	if loadErr != nil {
		return fmt.Sprintf("Crash data load of %s failed: %s", res.FileName, core.FormatUserError(loadErr))
	}
	return fmt.Sprintf("Crash data load of %s finished: %d rows upserted, %d rejected",
		res.FileName, res.RowsUpserted, res.Rejected())
}

// Blocks renders a load result as a Slack block message.
func Blocks(res *core.LoadResult, loadErr error) []slack.Block {
	status := ":white_check_mark: Crash data loaded"
	if loadErr != nil {
		status = ":x: Crash data load failed"
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", status, false, false)),
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn",
				fmt.Sprintf("*File:* %s\n*Schema:* %s\n*Rows read:* %d\n*Rows upserted:* %d\n*Rejected:* %d (missing key %d, coercion %d)",
					res.FileName, orDash(res.Variant), res.RowsRead, res.RowsUpserted,
					res.Rejected(), res.MissingKey, res.Coercion),
				false, false),
			nil, nil,
		),
	}

	if len(res.Destinations) > 0 {
		lines := make([]string, len(res.Destinations))
		for i, d := range res.Destinations {
			cleared := ""
			if d.Cleared {
				cleared = " (cleared first)"
			}
			lines[i] = fmt.Sprintf("• %s `%s`: %d rows%s", d.Name, d.ID, d.Rows, cleared)
		}
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", "*Destinations:*\n"+strings.Join(lines, "\n"), false, false),
			nil, nil,
		))
	}

	if loadErr != nil {
		msg := core.MapError(loadErr)
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn",
				fmt.Sprintf("*Error %s:* %s\n_%s_", msg.Code, msg.Message, msg.Action), false, false),
			nil, nil,
		))
	}

	blocks = append(blocks, slack.NewContextBlock("",
		slack.NewTextBlockObject("mrkdwn",
			fmt.Sprintf("Run %s, took %s", orDash(res.RunID), res.Duration.Round(time.Millisecond)),
			false, false),
	))
	return blocks
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// Nop discards notifications.
type Nop struct{}

func (Nop) LoadFinished(context.Context, *core.LoadResult, error) error { return nil }
