package value

import "github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/store"

// InferType derives the declared type for a new entry from v.
func InferType(v Value) store.ValueType {
	return TypeOf(v.Inner())
}

// TypeOf maps a runtime value to a declared type.
func TypeOf(raw any) store.ValueType {
	switch raw.(type) {
	case []any:
		return store.TypeArray
	case string:
		return store.TypeString
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		return store.TypeNumber
	case bool:
		return store.TypeBoolean
	case map[string]any:
		return store.TypeObject
	default:
		return store.TypeMixed
	}
}

// Widen returns the declared type after observing inferred. Any disagreement
// widens to mixed, and mixed never narrows.
func Widen(declared, inferred store.ValueType) store.ValueType {
	switch {
	case declared == "":
		return inferred
	case declared == store.TypeMixed:
		return store.TypeMixed
	case declared != inferred:
		return store.TypeMixed
	default:
		return declared
	}
}
