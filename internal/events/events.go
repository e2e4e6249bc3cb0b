package events

import (
	"time"

	"github.com/google/uuid"
)

// 领域事件主题。UI、社交机器人等进程外消费者订阅 moltmarket.events
// 交换机，按 topic 路由。
const (
	TopicGigPosted       = "gig.posted"
	TopicGigAssigned     = "gig.assigned"
	TopicGigCompleted    = "gig.completed"
	TopicGigDisputed     = "gig.disputed"
	TopicBondDeposited   = "bond.deposited"
	TopicBondSlashed     = "bond.slashed"
	TopicEscrowCreated   = "escrow.created"
	TopicEscrowReleased  = "escrow.released"
	TopicEscrowRefunded  = "escrow.refunded"
	TopicEscrowDisputed  = "escrow.disputed"
	TopicBreakerOpened   = "escrow.circuit_open"
	TopicSwarmRequested  = "swarm.requested"
	TopicSwarmResolved   = "swarm.resolved"
	TopicRiskRecomputed  = "risk.recomputed"
	TopicAgentRegistered = "agent.registered"
)

// Event 是投递给外部消费者的领域事件。
type Event struct {
	ID         string            `json:"id"`
	Topic      string            `json:"topic"`
	OccurredAt int64             `json:"occurred_at"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NewEvent 构造一条事件，自动填充 ID 与时间戳。
func NewEvent(topic string, attrs map[string]string) Event {
	return Event{
		ID:         uuid.NewString(),
		Topic:      topic,
		OccurredAt: time.Now().Unix(),
		Attributes: attrs,
	}
}
