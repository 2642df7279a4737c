package email

import (
	"encoding/json"
	"strings"
)

// Recipients is a list of addresses. It decodes from either a JSON array or a
// comma-separated string, and always encodes as a JSON array.
type Recipients []string

// ParseRecipients accepts a JSON array or a comma-separated list. Entries are
// trimmed and empty ones dropped.
func ParseRecipients(raw string) Recipients {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	if strings.HasPrefix(raw, "[") {
		var list []string
		if err := json.Unmarshal([]byte(raw), &list); err == nil {
			return clean(list)
		}
	}

	return clean(strings.Split(raw, ","))
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Recipients) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*r = clean(list)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*r = ParseRecipients(s)
	return nil
}

// Strings returns the recipients as a plain slice.
func (r Recipients) Strings() []string {
	return []string(r)
}

func clean(list []string) Recipients {
	out := make(Recipients, 0, len(list))
	for _, addr := range list {
		addr = strings.TrimSpace(addr)
		if addr != "" {
			out = append(out, addr)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
