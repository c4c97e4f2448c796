package broker

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Message is an immutable record routed through the broker. The payload is
// opaque: the broker stores and forwards the raw JSON without inspecting it.
type Message struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
	TS      time.Time       `json:"ts"`
}

// Topic names: alphanumeric first character, then alphanumerics and dashes,
// 1..128 characters total.
var topicNameRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]{0,127}$`)

// ValidTopicName reports whether name is an acceptable topic name.
func ValidTopicName(name string) bool {
	return topicNameRE.MatchString(name)
}

// ValidMessageID reports whether id is a canonical UUID in lowercase
// hyphenated form. Parse alone accepts braced, URN and un-hyphenated
// variants, so the round-trip comparison enforces the canonical spelling.
func ValidMessageID(id string) bool {
	u, err := uuid.Parse(id)
	return err == nil && u.String() == id
}
