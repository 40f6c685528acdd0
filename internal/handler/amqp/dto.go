package amqp

import "encoding/json"

// AgentEventV1 is the inbound wire shape for agent/tool business events.
// Known envelope keys are lifted into fields; everything else is preserved
// verbatim in Extra so it can be spread at the top level of the outbound
// frame.
type AgentEventV1 struct {
	EventID string
	UserID  string
	Type    string
	Extra   map[string]any
}

var envelopeKeys = map[string]struct{}{
	"event_id": {},
	"user_id":  {},
	"type":     {},
}

func (e *AgentEventV1) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	e.EventID, _ = raw["event_id"].(string)
	e.UserID, _ = raw["user_id"].(string)
	e.Type, _ = raw["type"].(string)
	e.Extra = make(map[string]any, len(raw))
	for k, v := range raw {
		if _, known := envelopeKeys[k]; known {
			continue
		}
		e.Extra[k] = v
	}
	return nil
}

// Fields assembles the business fields handed to the dispatcher.
func (e *AgentEventV1) Fields() map[string]any {
	out := make(map[string]any, len(e.Extra)+1)
	for k, v := range e.Extra {
		out[k] = v
	}
	if e.EventID != "" {
		out["event_id"] = e.EventID
	}
	return out
}

// UserNoticeV1 is the inbound shape for best-effort system notices.
type UserNoticeV1 struct {
	UserID string         `json:"user_id"`
	Notice map[string]any `json:"notice"`
}
