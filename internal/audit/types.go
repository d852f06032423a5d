package audit

import "time"

// EventType 表示审计事件类型。
type EventType string

const (
	EventSubmission EventType = "submission"
	EventRejection  EventType = "rejection"
	EventKillSwitch EventType = "kill_switch"
	EventAnomaly    EventType = "anomaly"
	EventCycle      EventType = "cycle"
	EventFlatten    EventType = "flatten"
	EventError      EventType = "error"
)

// Event 封装通用审计事件。
type Event struct {
	ID        int64       `json:"id,omitempty"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// SubmissionPayload 记录一次提交结果。
type SubmissionPayload struct {
	Fingerprint string `json:"fingerprint"`
	Symbol      string `json:"symbol"`
	OrderID     string `json:"order_id,omitempty"`
	Status      string `json:"status"`
	Note        string `json:"note,omitempty"`
}

// RejectionPayload 记录风控或路由拒绝。
type RejectionPayload struct {
	Fingerprint string `json:"fingerprint"`
	Symbol      string `json:"symbol"`
	Reason      string `json:"reason"`
}

// KillSwitchPayload 记录停机开关操作。
type KillSwitchPayload struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
	Actor  string `json:"actor,omitempty"`
}

// AnomalyPayload 记录对账异常。
type AnomalyPayload struct {
	Kind     string `json:"kind"`
	OrderID  string `json:"order_id,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
	Detail   string `json:"detail"`
	Resolved bool   `json:"resolved"`
}

// CyclePayload 记录一次自治循环执行结果。
type CyclePayload struct {
	Trigger   string `json:"trigger"`
	Evaluated int    `json:"evaluated"`
	Submitted int    `json:"submitted"`
	Rejected  int    `json:"rejected"`
	Note      string `json:"note,omitempty"`
}

// ErrorPayload 记录运行期错误。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}
