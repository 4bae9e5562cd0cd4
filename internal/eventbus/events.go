package eventbus

import "time"

// Topic names an event type. Values double as the event names pushed to
// dashboards, so keep them stable.
type Topic string

const (
	InstanceUpdated    Topic = "instance.updated"
	InstanceRegistered Topic = "instance.registered"
	InstancePairing    Topic = "instance.pairing"
	InstanceError      Topic = "instance.error"
	InstanceRemoved    Topic = "instance.removed"
	InstanceSnapshot   Topic = "instance.snapshot"

	MessageIncoming Topic = "message.incoming"
	MessageOutgoing Topic = "message.outgoing"
	MessageDelivery Topic = "message.delivery"

	WarmUpSchedule     Topic = "warmup.schedule"
	WarmUpConvStarted  Topic = "warmup.conversation.started"
	WarmUpConvActive   Topic = "warmup.conversation.active"
	WarmUpConvEnded    Topic = "warmup.conversation.ended"
	QueueProgress      Topic = "queue.progress"
	QueueMessageStatus Topic = "queue.message.status"

	OpportunityClassified Topic = "opportunity.classified"

	LogEntry Topic = "log.entry"
)

// InstanceUpdate is a partial instance state change. Zero-valued pointers
// mean "unchanged".
type InstanceUpdate struct {
	ID           string `json:"id"`
	State        string `json:"state,omitempty"`
	IsActive     *bool  `json:"isActive,omitempty"`
	IsWarmingUp  *bool  `json:"isWarmingUp,omitempty"`
	StatusCode   int    `json:"statusCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	OutgoingCount     *int64 `json:"outgoingCount,omitempty"`
	IncomingCount     *int64 `json:"incomingCount,omitempty"`
	DailyMessageCount *int   `json:"dailyMessageCount,omitempty"`
}

type InstancePairingData struct {
	ID string `json:"id"`
	QR string `json:"qr"`
}

type InstanceErrorData struct {
	ID    string `json:"id"`
	Cause string `json:"cause"`
}

// ChatMessage is published for every message a managed instance sends or receives.
type ChatMessage struct {
	InstanceID string    `json:"instanceId"`
	Peer       string    `json:"peer"`
	MessageID  string    `json:"messageId"`
	Text       string    `json:"text"`
	FromMe     bool      `json:"fromMe"`
	At         time.Time `json:"at"`
}

type Delivery struct {
	InstanceID string `json:"instanceId"`
	Peer       string `json:"peer"`
	MessageID  string `json:"messageId"`
	Status     string `json:"status"`
}

type WarmSchedule struct {
	IsWarming  bool       `json:"isWarming"`
	NextWarmAt *time.Time `json:"nextWarmAt"`
}

type WarmConversation struct {
	ID           string `json:"id"`
	A            string `json:"a"`
	B            string `json:"b"`
	From         string `json:"from,omitempty"`
	To           string `json:"to,omitempty"`
	Index        int    `json:"index,omitempty"`
	Total        int    `json:"total"`
	SentMessages int    `json:"sentMessages"`
	Failed       int    `json:"failedMessages"`
	OK           bool   `json:"ok"`
	Error        string `json:"error,omitempty"`
}

type QueueProgressData struct {
	MessageCount int  `json:"messageCount"`
	MessagePass  int  `json:"messagePass"`
	IsSending    bool `json:"isSending"`
	Attempt      int  `json:"attempt"`
}

type QueueMessageStatusData struct {
	ID         string `json:"id"`
	To         string `json:"to"`
	InstanceID string `json:"instanceId,omitempty"`
	Sent       bool   `json:"sent"`
	Attempt    int    `json:"attempt"`
	Error      string `json:"error,omitempty"`
}

type Opportunity struct {
	OutreachID string  `json:"outreachId"`
	InstanceID string  `json:"instanceId"`
	Peer       string  `json:"peer"`
	Intent     string  `json:"intent"`
	Action     string  `json:"action"`
	Department string  `json:"department"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}
