package topic

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	ErrInvalidTopicName = errors.New("invalid topic name: contains wildcards or illegal characters")
	ErrTopicTooLong     = errors.New("topic name exceeds the maximum length")
)

// ValidateTopicName checks a PUBLISH topic. maxLen <= 0 disables the length check.
func ValidateTopicName(topic string, maxLen int) error {
	if topic == "" || HasWildcard(topic) || !utf8.ValidString(topic) || strings.ContainsRune(topic, 0) {
		return ErrInvalidTopicName
	}
	if maxLen > 0 && len(topic) > maxLen {
		return fmt.Errorf("%w: %d > %d", ErrTopicTooLong, len(topic), maxLen)
	}
	return nil
}

// ValidateFilter checks a SUBSCRIBE topic filter.
func ValidateFilter(filter string, maxLen int) error {
	if filter == "" || !utf8.ValidString(filter) || strings.ContainsRune(filter, 0) {
		return ErrInvalidTopicName
	}
	if maxLen > 0 && len(filter) > maxLen {
		return fmt.Errorf("%w: %d > %d", ErrTopicTooLong, len(filter), maxLen)
	}
	levels := strings.Split(filter, TopicSeparator)
	for i, level := range levels {
		if strings.Contains(level, "#") && (level != "#" || i != len(levels)-1) {
			return fmt.Errorf("%w: %q", ErrInvalidPattern, filter)
		}
		if strings.Contains(level, "+") && level != "+" {
			return fmt.Errorf("%w: %q", ErrInvalidPattern, filter)
		}
	}
	return nil
}
