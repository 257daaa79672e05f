package slack

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"triagebot/internal/report"
	"triagebot/internal/textutil"
)

const maxSectionChars = 2900

// Notifier posts run summaries to a Slack channel.
type Notifier struct {
	api       *slack.Client
	channelID string
	logger    *zap.Logger
}

func NewNotifier(api *slack.Client, channelID string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{api: api, channelID: channelID, logger: logger.Named("slack")}
}

func (n *Notifier) Send(ctx context.Context, summary report.NotificationSummary) error {
	_, ts, err := n.api.PostMessageContext(ctx, n.channelID,
		slack.MsgOptionText(fallbackText(summary), false),
		slack.MsgOptionBlocks(summaryBlocks(summary)...),
	)
	if err != nil {
		return fmt.Errorf("post slack summary: %w", err)
	}
	n.logger.Info("slack summary posted", zap.String("run_id", summary.RunID), zap.String("channel", n.channelID), zap.String("ts", ts))
	return nil
}

func fallbackText(s report.NotificationSummary) string {
	if s.Aborted {
		return fmt.Sprintf("Auto-triage run %s aborted", s.RunID)
	}
	c := s.Counts
	return fmt.Sprintf("Auto-triage run %s: %d applied, %d failed, %d for review", s.RunID, c.Applied+c.WouldApply, c.Failed, c.ManualReview)
}

func summaryBlocks(s report.NotificationSummary) []slack.Block {
	title := "Auto-triage run"
	if s.DryRun {
		title += " (dry run)"
	}
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, title, false, false)),
		slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("run `%s`", s.RunID), false, false)),
	}

	if s.Aborted {
		blocks = append(blocks, markdownSection(":x: Run aborted: "+s.AbortReason))
		return blocks
	}

	c := s.Counts
	applied := fmt.Sprintf("*Applied*\n%d", c.Applied)
	if s.DryRun {
		applied = fmt.Sprintf("*Would apply*\n%d", c.WouldApply)
	}
	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Tickets*\n%d", c.TicketsQueried), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Recommendations*\n%d", c.Total), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, applied, false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Failed*\n%d", c.Failed), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Manual review*\n%d", c.ManualReview), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Skipped*\n%d", c.Skipped), false, false),
	}
	blocks = append(blocks, slack.NewSectionBlock(nil, fields, nil))

	if len(s.Failed) > 0 {
		blocks = append(blocks, slack.NewDividerBlock(), markdownSection(itemList("Failed", s.Failed, s.FailedMore)))
	}
	if len(s.ManualReview) > 0 {
		blocks = append(blocks, slack.NewDividerBlock(), markdownSection(itemList("Needs review", s.ManualReview, s.ManualReviewMore)))
	}
	return blocks
}

func itemList(heading string, items []report.SummaryItem, more int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n", heading)
	for _, it := range items {
		fmt.Fprintf(&b, "• `%s` %s → *%s* (%.0f%%) %s\n", it.Ticket, it.Field, it.Value, it.Confidence*100, it.Detail)
	}
	if more > 0 {
		fmt.Fprintf(&b, "_and %d more_", more)
	}
	return b.String()
}

func markdownSection(text string) *slack.SectionBlock {
	if len(text) > maxSectionChars {
		text = textutil.Truncate(text, maxSectionChars) + "…"
	}
	return slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)
}
