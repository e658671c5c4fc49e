// Package value classifies wire payloads into scalars, state envelopes or
// opaque structured values and renders store values back to payloads.
package value

import (
	"bytes"
	"encoding/json"
	"errors"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/store"
)

type Kind int

const (
	KindScalar Kind = iota
	KindEnvelope
	KindOpaque
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindEnvelope:
		return "envelope"
	case KindOpaque:
		return "opaque"
	default:
		return "unknown"
	}
}

// Value is the decoded form of a payload. Raw holds the scalar (string,
// float64, bool or nil) or the opaque object; State holds the envelope.
type Value struct {
	Kind  Kind
	Raw   any
	State store.State
}

func Scalar(v any) Value {
	return Value{Kind: KindScalar, Raw: v}
}

func Envelope(s store.State) Value {
	return Value{Kind: KindEnvelope, State: s}
}

func Opaque(v any) Value {
	return Value{Kind: KindOpaque, Raw: v}
}

// FromState wraps a stored state for publishing. With full set the whole
// envelope goes out, otherwise only the value.
func FromState(s store.State, full bool) Value {
	if full {
		return Envelope(s)
	}
	return Scalar(s.Value)
}

// Inner is the value the payload carries, looking through an envelope.
func (v Value) Inner() any {
	if v.Kind == KindEnvelope {
		return v.State.Value
	}
	return v.Raw
}

// ToState is the state written to the store for v. ack applies to scalars and
// opaque values; an envelope keeps its own flag.
func (v Value) ToState(ack bool) store.State {
	if v.Kind == KindEnvelope {
		return v.State
	}
	return store.State{Value: v.Raw, Acknowledged: ack}
}

var numberPattern = regexp.MustCompile(`^-?(0|[1-9][0-9]*)(\.[0-9]+)?([eE][+-]?[0-9]+)?$`)

// Decode classifies a raw payload. It never fails: anything that cannot be
// interpreted stays a string.
func Decode(payload []byte) Value {
	text := string(payload)

	if numberPattern.MatchString(text) {
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			return Scalar(f)
		}
	}
	switch text {
	case "true":
		return Scalar(true)
	case "false":
		return Scalar(false)
	}
	if !strings.HasPrefix(text, "{") {
		return Scalar(text)
	}

	var object map[string]any
	if err := json.Unmarshal(payload, &object); err != nil {
		var syntaxErr *json.SyntaxError
		if !errors.As(err, &syntaxErr) {
			logger.WarnF("Unexpected error parsing payload %q: %v", text, err)
		}
		return Scalar(text)
	}

	if unknown := unknownKeys(object); len(unknown) > 0 {
		logger.DebugF("Payload keys %v are not state fields, storing as object", unknown)
		return Opaque(object)
	}
	if _, ok := object["value"]; !ok {
		return Opaque(object)
	}
	var state store.State
	if err := json.Unmarshal(payload, &state); err != nil {
		logger.DebugF("Payload %q looks like a state but does not decode as one: %v", text, err)
		return Opaque(object)
	}
	return Envelope(state)
}

func unknownKeys(object map[string]any) []string {
	var unknown []string
	for key := range object {
		if _, ok := store.EnvelopeKeys[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown
}

func isBare(s store.State) bool {
	return !s.Acknowledged && s.Timestamp == 0 && s.Quality == nil && s.Origin == "" &&
		s.Expire == nil && s.LastChange == 0 && s.User == ""
}

// Encode renders v as a payload.
func Encode(v Value) []byte {
	switch v.Kind {
	case KindEnvelope:
		if isBare(v.State) {
			return encodeScalar(v.State.Value)
		}
		return encodeJSON(v.State)
	case KindOpaque:
		return encodeJSON(v.Raw)
	default:
		return encodeScalar(v.Raw)
	}
}

func encodeScalar(raw any) []byte {
	switch x := raw.(type) {
	case nil:
		return []byte("null")
	case string:
		return []byte(x)
	case []byte:
		return x
	case bool:
		return []byte(strconv.FormatBool(x))
	case float64:
		return []byte(strconv.FormatFloat(x, 'f', -1, 64))
	case float32:
		return []byte(strconv.FormatFloat(float64(x), 'f', -1, 32))
	case int:
		return []byte(strconv.Itoa(x))
	case int64:
		return []byte(strconv.FormatInt(x, 10))
	default:
		return encodeJSON(x)
	}
}

func encodeJSON(v any) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		logger.WarnF("Cannot serialize value %v: %v", v, err)
		return []byte("null")
	}
	return bytes.TrimRight(buf.Bytes(), "\n")
}
