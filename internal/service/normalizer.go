package service

import (
	"fmt"
	"time"

	"github.com/webitel/im-connection-manager/internal/domain/model"
)

// Normalizer guarantees a minimum required field set for one business event
// category while preserving any caller-supplied fields verbatim.
type Normalizer func(fields map[string]any) map[string]any

// RegisterNormalizer adds or replaces the normalizer for an event category.
// The set of categories is open and growing, so this is a registry, not a
// fixed switch.
func (d *EventDispatcher) RegisterNormalizer(eventType string, fn Normalizer) {
	d.normMu.Lock()
	defer d.normMu.Unlock()
	d.normalizers[eventType] = fn
}

// normalize shapes the business fields for the event category. Total by
// contract: it must never panic the send path, so internal failures fall
// back to {type, timestamp, error, ...originalFields}.
func (d *EventDispatcher) normalize(eventType string, fields map[string]any) (out map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			out = cloneFields(fields)
			out[model.FieldTimestamp] = time.Now().Format(time.RFC3339Nano)
			out["error"] = fmt.Sprintf("normalization failed: %v", r)
			d.logger.Error("NORMALIZER_PANIC", "event_type", eventType, "err", r)
		}
	}()

	d.normMu.RLock()
	fn, ok := d.normalizers[eventType]
	d.normMu.RUnlock()

	if !ok {
		// Unrecognized categories pass through; the dispatcher adds the
		// type tag and timestamp default when assembling the frame.
		return cloneFields(fields)
	}
	return fn(cloneFields(fields))
}

// builtinNormalizers seeds the category registry with the tool-invocation
// and agent-lifecycle events.
func builtinNormalizers() map[string]Normalizer {
	return map[string]Normalizer{
		"tool_call_started": withDefaults(map[string]any{
			"tool_name": "unknown_tool",
			"call_id":   "",
			"arguments": map[string]any{},
		}),
		"tool_call_completed": withDefaults(map[string]any{
			"tool_name": "unknown_tool",
			"call_id":   "",
			"success":   true,
			"result":    nil,
		}),
		"agent_started": withDefaults(map[string]any{
			"agent_name": "unknown_agent",
			"run_id":     "",
		}),
		"agent_thinking": withDefaults(map[string]any{
			"agent_name": "unknown_agent",
			"run_id":     "",
			"step":       0,
		}),
		"agent_completed": withDefaults(map[string]any{
			"agent_name": "unknown_agent",
			"run_id":     "",
			"success":    true,
		}),
	}
}

// withDefaults fills missing required fields with placeholders and leaves
// everything the caller supplied untouched.
func withDefaults(defaults map[string]any) Normalizer {
	return func(fields map[string]any) map[string]any {
		for k, v := range defaults {
			if _, ok := fields[k]; !ok {
				fields[k] = v
			}
		}
		return fields
	}
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+4)
	for k, v := range fields {
		out[k] = v
	}
	return out
}
