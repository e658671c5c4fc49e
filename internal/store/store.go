// Package store describes the external key/value state store the bridge reads
// from and writes to, plus an in-process implementation.
package store

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("entry not found")

// ValueType is the declared type of an entry.
type ValueType string

const (
	TypeArray   ValueType = "array"
	TypeString  ValueType = "string"
	TypeNumber  ValueType = "number"
	TypeBoolean ValueType = "boolean"
	TypeObject  ValueType = "object"
	TypeMixed   ValueType = "mixed"
)

// State is a value held by an entry. Acknowledged=false marks a command
// (desired value), true a report (confirmed value).
type State struct {
	Value        any    `json:"value"`
	Acknowledged bool   `json:"acknowledged"`
	Timestamp    int64  `json:"timestamp,omitempty"`
	Quality      *int   `json:"quality,omitempty"`
	Origin       string `json:"origin,omitempty"`
	Expire       *int   `json:"expire,omitempty"`
	LastChange   int64  `json:"lastChange,omitempty"`
	User         string `json:"user,omitempty"`
}

// EnvelopeKeys are the JSON keys of State.
var EnvelopeKeys = map[string]struct{}{
	"value":        {},
	"acknowledged": {},
	"timestamp":    {},
	"quality":      {},
	"origin":       {},
	"expire":       {},
	"lastChange":   {},
	"user":         {},
}

// Metadata describes a new entry.
type Metadata struct {
	Name  string
	Role  string
	Read  bool
	Write bool
	Desc  string
}

type Entry struct {
	ID   string
	Type ValueType
	Metadata
}

// Change is pushed to OnChange handlers. State is nil when the entry was deleted.
type Change struct {
	ID    string
	State *State
}

type ChangeHandler func(change Change)

// Store is the state store consumed by the engines. GetEntry resolves id
// relative to the store's own namespace; every other call takes absolute ids.
type Store interface {
	Namespace() string
	GetEntry(ctx context.Context, id string) (*Entry, error)
	GetEntryAnywhere(ctx context.Context, id string) (*Entry, error)
	CreateEntry(ctx context.Context, id string, declaredType ValueType, meta Metadata) (*Entry, error)
	SetEntryType(ctx context.Context, id string, declaredType ValueType) error
	GetValue(ctx context.Context, id string) (*State, error)
	WriteValue(ctx context.Context, id string, state State) error
	DeleteEntry(ctx context.Context, id string) error
	ListEntriesByPrefix(ctx context.Context, prefix string) ([]*Entry, error)
	OnChange(handler ChangeHandler) (cancel func())
}
