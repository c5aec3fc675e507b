package types

import "fmt"

// Payload is the feature-specific body of a Message. Each FeatureType has
// exactly one concrete payload type, so handler dispatch can switch on the
// concrete type instead of inspecting untyped JSON.
type Payload interface {
	Feature() FeatureType
	Action() string
}

// MeetingPayload carries meeting workflow events (agenda, motions, votes).
type MeetingPayload struct {
	Op           string         `json:"action" cbor:"action"`
	MeetingID    string         `json:"meetingId" cbor:"meetingId"`
	AgendaItemID string         `json:"agendaItemId,omitempty" cbor:"agendaItemId,omitempty"`
	MotionID     string         `json:"motionId,omitempty" cbor:"motionId,omitempty"`
	Vote         string         `json:"vote,omitempty" cbor:"vote,omitempty"`
	Data         map[string]any `json:"data,omitempty" cbor:"data,omitempty"`
}

func (*MeetingPayload) Feature() FeatureType { return FeatureMeeting }
func (p *MeetingPayload) Action() string     { return p.Op }

// DocumentPayload carries document collaboration events.
type DocumentPayload struct {
	Op           string         `json:"action" cbor:"action"`
	DocumentID   string         `json:"documentId" cbor:"documentId"`
	Revision     int64          `json:"revision,omitempty" cbor:"revision,omitempty"`
	AnnotationID string         `json:"annotationId,omitempty" cbor:"annotationId,omitempty"`
	Body         string         `json:"body,omitempty" cbor:"body,omitempty"`
	Data         map[string]any `json:"data,omitempty" cbor:"data,omitempty"`
}

func (*DocumentPayload) Feature() FeatureType { return FeatureDocument }
func (p *DocumentPayload) Action() string     { return p.Op }

// AIPayload carries analysis requests and results.
type AIPayload struct {
	Op        string         `json:"action" cbor:"action"`
	RequestID string         `json:"requestId" cbor:"requestId"`
	Subject   string         `json:"subject,omitempty" cbor:"subject,omitempty"`
	Prompt    string         `json:"prompt,omitempty" cbor:"prompt,omitempty"`
	Result    map[string]any `json:"result,omitempty" cbor:"result,omitempty"`
}

func (*AIPayload) Feature() FeatureType { return FeatureAI }
func (p *AIPayload) Action() string     { return p.Op }

// CompliancePayload carries compliance monitoring events.
type CompliancePayload struct {
	Op       string         `json:"action" cbor:"action"`
	CaseID   string         `json:"caseId" cbor:"caseId"`
	RuleID   string         `json:"ruleId,omitempty" cbor:"ruleId,omitempty"`
	Severity string         `json:"severity,omitempty" cbor:"severity,omitempty"`
	Data     map[string]any `json:"data,omitempty" cbor:"data,omitempty"`
}

func (*CompliancePayload) Feature() FeatureType { return FeatureCompliance }
func (p *CompliancePayload) Action() string     { return p.Op }

// System events understood by the coordinator itself.
const (
	SystemEventSubscribe       = "subscribe"
	SystemEventUnsubscribe     = "unsubscribe"
	SystemEventResume          = "resume"
	SystemEventPing            = "ping"
	SystemEventPong            = "pong"
	SystemEventSubscribed      = "subscribed"
	SystemEventUnsubscribed    = "unsubscribed"
	SystemEventMessageError    = "message_error"
	SystemEventStateDelta      = "state_delta"
	SystemEventResyncRequired  = "resync_required"
	SystemEventReplayComplete  = "replay_complete"
	SystemEventDegraded        = "degraded"
	SystemEventRecovered       = "recovered"
	SystemEventConnectionReady = "connection_ready"
)

// SystemPayload carries coordinator control frames in both directions.
type SystemPayload struct {
	Event             string         `json:"event" cbor:"event"`
	Code              string         `json:"code,omitempty" cbor:"code,omitempty"`
	Message           string         `json:"message,omitempty" cbor:"message,omitempty"`
	RetryAfterSeconds int            `json:"retryAfterSeconds,omitempty" cbor:"retryAfterSeconds,omitempty"`
	RoomID            string         `json:"roomId,omitempty" cbor:"roomId,omitempty"`
	ConnectionID      string         `json:"connectionId,omitempty" cbor:"connectionId,omitempty"`
	Since             uint64         `json:"since,omitempty" cbor:"since,omitempty"`
	Data              map[string]any `json:"data,omitempty" cbor:"data,omitempty"`
}

func (*SystemPayload) Feature() FeatureType { return FeatureSystem }
func (p *SystemPayload) Action() string     { return p.Event }

// NewPayload returns an empty payload of the concrete type registered for f,
// ready to be decoded into.
func NewPayload(f FeatureType) (Payload, error) {
	switch f {
	case FeatureMeeting:
		return &MeetingPayload{}, nil
	case FeatureDocument:
		return &DocumentPayload{}, nil
	case FeatureAI:
		return &AIPayload{}, nil
	case FeatureCompliance:
		return &CompliancePayload{}, nil
	case FeatureSystem:
		return &SystemPayload{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidFeature, string(f))
	}
}
