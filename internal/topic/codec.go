// Package topic converts between MQTT topics and store identifiers and compiles
// wildcard subscriptions into matchers over identifiers.
package topic

import (
	"strings"
	"time"
	"unicode"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	TopicSeparator = "/"
	IDSeparator    = "."

	matcherCacheSize = 1024
	matcherCacheTTL  = time.Hour
)

// Codec carries the configured prefix and namespace. It is safe for
// concurrent use.
type Codec struct {
	Prefix    string
	Namespace string

	matchers *expirable.LRU[string, *Matcher]
}

func NewCodec(prefix, namespace string) *Codec {
	return &Codec{
		Prefix:    prefix,
		Namespace: namespace,
		matchers:  expirable.NewLRU[string, *Matcher](matcherCacheSize, nil, matcherCacheTTL),
	}
}

// ToStoreID maps a topic to an identifier: the prefix is stripped, '/' becomes
// '.', whitespace becomes '_', separators are trimmed at both ends and, unless
// keepNamespace is set, a leading namespace segment is removed.
func (c *Codec) ToStoreID(topic string, keepNamespace bool) string {
	if c.Prefix != "" {
		topic = strings.TrimPrefix(topic, c.Prefix)
	}
	topic = strings.ReplaceAll(topic, TopicSeparator, IDSeparator)
	topic = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return '_'
		}
		return r
	}, topic)
	topic = strings.Trim(topic, IDSeparator)
	if !keepNamespace && c.Namespace != "" {
		topic = strings.TrimPrefix(topic, c.Namespace+IDSeparator)
	}
	return topic
}

// ToTopic maps an identifier back to a topic. Identifiers under the namespace
// lose the namespace segment; the prefix is prepended when withPrefix is set.
func (c *Codec) ToTopic(id string, withPrefix bool) string {
	if c.Namespace != "" {
		id = strings.TrimPrefix(id, c.Namespace+IDSeparator)
	}
	topic := strings.ReplaceAll(id, IDSeparator, TopicSeparator)
	if withPrefix {
		topic = c.Prefix + topic
	}
	return topic
}

// LocalID returns the absolute identifier of a namespace-relative id.
func (c *Codec) LocalID(relative string) string {
	if c.Namespace == "" {
		return relative
	}
	if relative == "" {
		return c.Namespace
	}
	return c.Namespace + IDSeparator + relative
}

// IsLocal reports whether id lives under the namespace.
func (c *Codec) IsLocal(id string) bool {
	return c.Namespace != "" && strings.HasPrefix(id, c.Namespace+IDSeparator)
}

// Compile translates a wire pattern into a matcher over identifiers. The
// namespace segment is kept so that store-native paths match literally.
func (c *Codec) Compile(pattern string) (*Matcher, error) {
	if m, ok := c.matchers.Get(pattern); ok {
		return m, nil
	}
	m, err := CompileID(c.ToStoreID(pattern, true))
	if err != nil {
		return nil, err
	}
	c.matchers.Add(pattern, m)
	return m, nil
}

// CompileVariants compiles pattern literally and prefixed with the namespace,
// so a subscriber reaches local entries with either form.
func (c *Codec) CompileVariants(pattern string) ([]*Matcher, error) {
	literal, err := c.Compile(pattern)
	if err != nil {
		return nil, err
	}
	if c.Namespace == "" || literal.MatchesAll() {
		return []*Matcher{literal}, nil
	}
	nsTopic := strings.ReplaceAll(c.Namespace, IDSeparator, TopicSeparator)
	prefixed, err := c.Compile(nsTopic + TopicSeparator + strings.TrimPrefix(pattern, c.Prefix))
	if err != nil {
		return nil, err
	}
	return []*Matcher{literal, prefixed}, nil
}

func HasWildcard(s string) bool {
	return strings.ContainsAny(s, "#+")
}
