package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ID is a numeric server identifier. It decodes from a JSON number or a
// numeric string and always encodes as a number.
type ID int64

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*id = 0
			return nil
		}
		b = []byte(s)
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("wire: invalid id %q", b)
	}
	*id = ID(v)
	return nil
}

// String returns the decimal form.
func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseID parses a decimal id.
func ParseID(s string) (ID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("wire: invalid id %q", s)
	}
	return ID(v), nil
}

// groupKeyPrefix keeps group chat keys apart from user chat keys with the
// same numeric id.
const groupKeyPrefix = "g:"

// ChatKey returns the local key of a chat: the decimal id of a user chat,
// or "g:" and the id of a group.
func ChatKey(t ChatType, id ID) string {
	if t.IsGroup() {
		return groupKeyPrefix + id.String()
	}
	return id.String()
}

// ParseChatKey splits a chat key into the chat type and its server id.
func ParseChatKey(key string) (ChatType, ID, error) {
	t := ChatUser
	if rest, ok := strings.CutPrefix(key, groupKeyPrefix); ok {
		t, key = ChatGroup, rest
	}
	id, err := ParseID(key)
	if err != nil {
		return "", 0, fmt.Errorf("wire: invalid chat key %q", key)
	}
	return t, id, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// Time decodes RFC 3339 timestamps as well as zone-less server timestamps,
// which are taken as UTC.
type Time struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil || s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timeLayouts {
		if v, err := time.Parse(layout, s); err == nil {
			t.Time = v.UTC()
			return nil
		}
	}
	return fmt.Errorf("wire: invalid time %q", s)
}

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`null`), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}
