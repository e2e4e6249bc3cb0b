package alerting

import (
	"context"
	"log/slog"
	"time"

	xerrors "MoltMarket-Core/internal/errors"
	"MoltMarket-Core/internal/events"
	"MoltMarket-Core/pkg/logger"
)

// 需要人工关注的事件主题到告警级别的映射。
var alertableTopics = map[string]xerrors.Severity{
	events.TopicBondSlashed:    xerrors.SeverityCritical,
	events.TopicBreakerOpened:  xerrors.SeverityCritical,
	events.TopicEscrowDisputed: xerrors.SeverityWarning,
	events.TopicGigDisputed:    xerrors.SeverityWarning,
}

// PublisherBridge 装饰领域事件发布器，把涉及资金安全的主题同步
// 推给告警渠道。告警失败只记日志，不影响事件投递。
type PublisherBridge struct {
	next       events.Publisher
	dispatcher Dispatcher
}

// NewPublisherBridge 创建桥接发布器。
func NewPublisherBridge(next events.Publisher, dispatcher Dispatcher) *PublisherBridge {
	return &PublisherBridge{next: next, dispatcher: dispatcher}
}

// Publish 实现 events.Publisher。
func (b *PublisherBridge) Publish(ctx context.Context, event events.Event) error {
	if severity, ok := alertableTopics[event.Topic]; ok && b.dispatcher != nil {
		alert := Event{
			Code:       xerrors.Code(event.Topic),
			Message:    "settlement event " + event.Topic,
			Severity:   severity,
			AgentID:    event.Attributes["agent_id"],
			GigID:      event.Attributes["gig_id"],
			Metadata:   event.Attributes,
			OccurredAt: time.Unix(event.OccurredAt, 0),
		}
		if err := b.dispatcher.Notify(ctx, alert); err != nil {
			logger.L().Warn("告警投递失败",
				slog.String("topic", event.Topic), slog.Any("error", err))
		}
	}
	if b.next == nil {
		return nil
	}
	return b.next.Publish(ctx, event)
}

// Close 关闭底层发布器。
func (b *PublisherBridge) Close() error {
	if b.next == nil {
		return nil
	}
	return b.next.Close()
}

var _ events.Publisher = (*PublisherBridge)(nil)
