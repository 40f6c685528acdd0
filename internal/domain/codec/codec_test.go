package codec

import (
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/im-connection-manager/internal/domain/model"
)

type toolCall struct {
	Name     string         `json:"name"`
	Args     map[string]any `json:"args,omitempty"`
	Duration time.Duration  `json:"duration"`
	internal string
}

type severity int

func (s severity) String() string {
	switch s {
	case 1:
		return "WARN"
	default:
		return "INFO"
	}
}

type selfMarshal struct{ N int }

func (s selfMarshal) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{"n": s.N, "kind": "custom"})
}

type mapper struct{ id string }

func (m mapper) ToMap() map[string]any { return map[string]any{"id": m.id} }

func TestEncodePrimitivesPassThrough(t *testing.T) {
	c := New(slog.New(slog.DiscardHandler))

	assert.Nil(t, c.Encode(nil))
	assert.Equal(t, "hello", c.Encode("hello"))
	assert.Equal(t, 42, c.Encode(42))
	assert.Equal(t, true, c.Encode(true))
	assert.Equal(t, 3.5, c.Encode(3.5))
	assert.Equal(t, "raw bytes", c.Encode([]byte("raw bytes")))
	assert.Equal(t, "boom", c.Encode(errors.New("boom")))
}

func TestEncodeSafeMapIsReturnedUntouched(t *testing.T) {
	c := New(slog.New(slog.DiscardHandler))

	in := map[string]any{
		"tool":   "search",
		"count":  3,
		"nested": map[string]any{"ok": true},
		"list":   []any{"a", 1},
	}
	out := c.Encode(in)
	// Safe maps skip the rebuild entirely.
	assert.Equal(t, any(in), out)
}

func TestEncodeMapWithUnsafeValuesRebuilds(t *testing.T) {
	c := New(slog.New(slog.DiscardHandler))

	at := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	out, ok := c.Encode(map[string]any{"at": at, "state": model.StateConnected}).(map[string]any)
	require.True(t, ok)

	assert.Equal(t, "2026-08-28T10:00:00Z", out["at"])
	assert.Equal(t, "connected", out["state"])
}

func TestEncodeConnStateLowercases(t *testing.T) {
	c := New(slog.New(slog.DiscardHandler))

	assert.Equal(t, "connected", c.Encode(model.StateConnected))
	assert.Equal(t, "closing", c.Encode(model.StateClosing))
	assert.Equal(t, "closed", c.Encode(model.StateClosed))
}

func TestEncodeEnumLikeEmitsUnderlyingValue(t *testing.T) {
	c := New(slog.New(slog.DiscardHandler))

	type phase int
	const running phase = 2

	assert.Equal(t, int64(2), c.Encode(running))
}

func TestEncodeJSONMarshalerWins(t *testing.T) {
	c := New(slog.New(slog.DiscardHandler))

	out, ok := c.Encode(selfMarshal{N: 7}).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "custom", out["kind"])
	assert.Equal(t, float64(7), out["n"])
}

func TestEncodeMapperToMap(t *testing.T) {
	c := New(slog.New(slog.DiscardHandler))

	out, ok := c.Encode(mapper{id: "m-1"}).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "m-1", out["id"])
}

func TestEncodeStructFlattensWithJSONTags(t *testing.T) {
	c := New(slog.New(slog.DiscardHandler))

	out, ok := c.Encode(toolCall{
		Name:     "web_search",
		Duration: 1500 * time.Millisecond,
		internal: "hidden",
	}).(map[string]any)
	require.True(t, ok)

	assert.Equal(t, "web_search", out["name"])
	assert.Equal(t, "1.5s", out["duration"])
	assert.NotContains(t, out, "args", "omitempty zero field kept")
	assert.NotContains(t, out, "internal", "unexported field leaked")
}

func TestEncodePointerAndNil(t *testing.T) {
	c := New(slog.New(slog.DiscardHandler))

	v := toolCall{Name: "ptr"}
	out, ok := c.Encode(&v).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ptr", out["name"])

	var nilPtr *toolCall
	assert.Nil(t, c.Encode(nilPtr))
}

func TestEncodeSlices(t *testing.T) {
	c := New(slog.New(slog.DiscardHandler))

	out, ok := c.Encode([]toolCall{{Name: "a"}, {Name: "b"}}).([]any)
	require.True(t, ok)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].(map[string]any)["name"])
}

func TestEncodeStringerMapKeys(t *testing.T) {
	c := New(slog.New(slog.DiscardHandler))

	out, ok := c.Encode(map[severity]int{severity(1): 3}).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 3, out["warn"])
}

func TestEncodeOpaqueFallbackNeverErrors(t *testing.T) {
	c := New(slog.New(slog.DiscardHandler))

	// Channels have no JSON representation; the codec must still return
	// something marshalable instead of failing the frame.
	out := c.Encode(make(chan int))
	s, ok := out.(string)
	require.True(t, ok)
	assert.NotEmpty(t, s)
}

func TestEncodeOutputAlwaysMarshals(t *testing.T) {
	c := New(slog.New(slog.DiscardHandler))

	samples := []any{
		map[string]any{"fn": func() {}},
		struct{ Ch chan int }{make(chan int)},
		map[severity][]time.Time{severity(0): {time.Now()}},
		[]any{errors.New("x"), model.StateClosing, 3 * time.Second},
	}
	for _, sample := range samples {
		encoded := c.Encode(sample)
		_, err := json.Marshal(encoded)
		assert.NoError(t, err, "sample %T", sample)
	}
}
