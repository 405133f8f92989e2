// Package notify posts pipeline events to Slack. Delivery is best-effort
// and off the hot path: the notifier consumes the bus, so a Slack outage
// never stalls the workflow.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/veridian-labs/prospector/internal/bus"
	perrors "github.com/veridian-labs/prospector/internal/errors"
	"github.com/veridian-labs/prospector/internal/retry"
)

// Poster is the slice of the Slack API the notifier uses.
// Satisfied by *slack.Client.
type Poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Notifier forwards approval requests and session lifecycle events to a
// Slack channel.
type Notifier struct {
	poster  Poster
	channel string
	retry   retry.Config
	logger  zerolog.Logger
}

// New creates a notifier posting to the given channel.
func New(poster Poster, channel string, logger zerolog.Logger) *Notifier {
	return &Notifier{
		poster:  poster,
		channel: channel,
		retry:   retry.DefaultConfig(),
		logger:  logger.With().Str("component", "notify").Logger(),
	}
}

// Start consumes bus topics until ctx is cancelled or the bus closes.
func (n *Notifier) Start(ctx context.Context, b *bus.Bus) {
	approvals, cancelApprovals := b.Subscribe(bus.TopicApproval)
	operations, cancelOps := b.Subscribe(bus.TopicOperation)

	go func() {
		defer cancelApprovals()
		defer cancelOps()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-approvals:
				if !ok {
					return
				}
				if req, ok := msg.Payload.(bus.ApprovalRequested); ok {
					n.postApproval(ctx, req)
				}
			case msg, ok := <-operations:
				if !ok {
					return
				}
				if op, ok := msg.Payload.(bus.OperationUpdate); ok {
					n.postOperation(ctx, op)
				}
			}
		}
	}()
}

func (n *Notifier) postApproval(ctx context.Context, req bus.ApprovalRequested) {
	blocks := StageApprovalBlocks(req.SessionID, req.Stage, req.Domain)
	fallback := fmt.Sprintf("Stage %s for %s awaits approval", req.Stage, req.Domain)
	n.post(ctx, fallback, blocks)
}

func (n *Notifier) postOperation(ctx context.Context, op bus.OperationUpdate) {
	// Only terminal outcomes are worth a channel message; per-phase chatter
	// stays on the bus.
	switch op.Status {
	case "failed":
		n.post(ctx, fmt.Sprintf("❌ Phase %s failed (session %s)", op.Phase, op.SessionID), nil)
	case "aborted":
		n.post(ctx, fmt.Sprintf("🚫 Session %s abandoned", op.SessionID), nil)
	}
}

func (n *Notifier) post(ctx context.Context, fallback string, blocks []slack.Block) {
	opts := []slack.MsgOption{slack.MsgOptionText(fallback, false)}
	if len(blocks) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(blocks...))
	}

	err := retry.Do(ctx, n.retry, func(ctx context.Context) error {
		_, _, err := n.poster.PostMessageContext(ctx, n.channel, opts...)
		if err != nil && strings.Contains(err.Error(), "rate_limited") {
			return perrors.ErrRateLimit
		}
		return err
	})
	if err != nil {
		n.logger.Warn().Err(err).Msg("failed to deliver slack notification")
	}
}

// StageApprovalBlocks builds the Block Kit message for a stage waiting at
// the approval gate.
func StageApprovalBlocks(sessionID, stage, domain string) []slack.Block {
	var sb strings.Builder
	sb.WriteString("🔐 *Stage Approval Required*\n\n")
	sb.WriteString(fmt.Sprintf("*Domain:* %s\n", domain))
	sb.WriteString(fmt.Sprintf("*Stage:* `%s`\n", stage))
	sb.WriteString(fmt.Sprintf("*Session:* %s", sessionID))

	return []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", sb.String(), false, false),
			nil, nil,
		),
		slack.NewActionBlock(
			"stage_approval",
			slack.NewButtonBlockElement(
				fmt.Sprintf("approve_%s", sessionID), "approve",
				slack.NewTextBlockObject("plain_text", "✅ Approve", false, false),
			),
			slack.NewButtonBlockElement(
				fmt.Sprintf("reject_%s", sessionID), "reject",
				slack.NewTextBlockObject("plain_text", "❌ Reject", false, false),
			),
		),
	}
}
