// Package notification turns authenticated payment notifications into the canonical Event
// consumed by the reconciliation engine, independent of the channel that delivered them.
package notification

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type Channel string

const (
	ChannelWebhook Channel = "webhook"
	ChannelSNS     Channel = "sns"
	ChannelQueue   Channel = "queue"
)

// ErrMalformed wraps JSON decoding failures.
var ErrMalformed = errors.New("notification: malformed payload")

// Event is what the engine reconciles.
type Event struct {
	SessionID   string
	ReferenceID string
	Outcome     string
	// MessageID is the provider-assigned id of this delivery, when the payload carries one.
	MessageID string
	Channel   Channel
	Raw       []byte
}

// Parse decodes raw and extracts the correlation fields.
func Parse(raw []byte, channel Channel) (Event, error) {
	doc, err := decode(raw)
	if err != nil {
		return Event{}, err
	}
	f := extract(doc)
	return Event{
		SessionID:   f[fieldSession],
		ReferenceID: f[fieldReference],
		Outcome:     f[fieldOutcome],
		MessageID:   topLevelID(doc),
		Channel:     channel,
		Raw:         raw,
	}, nil
}

func decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	return doc, nil
}

type field int

const (
	fieldSession field = iota
	fieldReference
	fieldOutcome
)

// aliases are matched case-insensitively; their order is the tie-break at equal depth.
var aliases = map[field][]string{
	fieldSession:   {"checkoutsessionid", "data"},
	fieldReference: {"referenceid", "orderid"},
	fieldOutcome:   {"result", "status"},
}

type match struct {
	depth int
	alias int
	path  string
	value string
}

func (m match) beats(o match) bool {
	if m.depth != o.depth {
		return m.depth < o.depth
	}
	if m.alias != o.alias {
		return m.alias < o.alias
	}
	return m.path < o.path
}

// extract walks the whole document. For each field the shallowest scalar match wins;
// ties go to the earlier alias, then to the lexicographically smallest key path.
func extract(doc any) map[field]string {
	best := map[field]match{}
	var walk func(node any, depth int, path string)
	walk = func(node any, depth int, path string) {
		switch n := node.(type) {
		case map[string]any:
			keys := make([]string, 0, len(n))
			for k := range n {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				child := joinPath(path, k)
				if v, ok := scalar(n[k]); ok {
					lower := strings.ToLower(k)
					for f, names := range aliases {
						for i, name := range names {
							if lower != name {
								continue
							}
							m := match{depth: depth, alias: i, path: child, value: v}
							if cur, seen := best[f]; !seen || m.beats(cur) {
								best[f] = m
							}
						}
					}
					continue
				}
				walk(n[k], depth+1, child)
			}
		case []any:
			for i, el := range n {
				walk(el, depth+1, path+"["+strconv.Itoa(i)+"]")
			}
		}
	}
	walk(doc, 0, "")

	out := make(map[field]string, len(best))
	for f, m := range best {
		out[f] = m.value
	}
	return out
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func scalar(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case bool:
		return strconv.FormatBool(x), true
	}
	return "", false
}

var messageIDKeys = []string{"id", "eventid", "messageid"}

func topLevelID(doc any) string {
	obj, ok := doc.(map[string]any)
	if !ok {
		return ""
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, want := range messageIDKeys {
		for _, k := range keys {
			if strings.ToLower(k) != want {
				continue
			}
			if s, ok := scalar(obj[k]); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
