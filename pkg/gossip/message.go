package gossip

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority values a gossip message may carry.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Message is the epidemic gossip envelope
type Message struct {
	ID               string         `json:"id"`
	Source           string         `json:"source"`
	Destination      string         `json:"destination"`
	Payload          map[string]any `json:"payload"`
	Hops             int            `json:"hops"`
	MaxHops          int            `json:"max_hops"`
	AlreadyForwarded []string       `json:"already_forwarded"`
	VectorClock      VectorClock    `json:"vector_clock"`
	CreatedAt        float64        `json:"created_at"`
	TTLSeconds       float64        `json:"ttl_seconds"`
	Priority         string         `json:"priority"`
}

// NewMessage builds a fresh gossip message seeded
// already_forwarded starts containing only source, hops=0.
func NewMessage(source, destination string, payload map[string]any, maxHops int, ttl time.Duration, priority string, clock VectorClock) *Message {
	return &Message{
		ID:               "msg-" + uuid.NewString(),
		Source:           source,
		Destination:      destination,
		Payload:          payload,
		Hops:             0,
		MaxHops:          maxHops,
		AlreadyForwarded: []string{source},
		VectorClock:      clock,
		CreatedAt:        float64(time.Now().UnixNano()) / 1e9,
		TTLSeconds:       ttl.Seconds(),
		Priority:         priority,
	}
}

// CanForward reports whether this message may still be forwarded: it
// hasn't exhausted its hop budget and hasn't expired.
func (m *Message) CanForward(now time.Time) bool {
	return m.Hops < m.MaxHops && m.notExpired(now)
}

func (m *Message) notExpired(now time.Time) bool {
	created := time.Unix(0, int64(m.CreatedAt*1e9))
	return !now.After(created.Add(time.Duration(m.TTLSeconds * float64(time.Second))))
}

// AlreadyForwardedTo reports whether peerID has already handled this
// message.
func (m *Message) AlreadyForwardedTo(peerID string) bool {
	for _, id := range m.AlreadyForwarded {
		if id == peerID {
			return true
		}
	}
	return false
}

// IncrementHops adds fwd to already_forwarded and increments hops.
// Monotonic: hops only ever grows along a delivery path.
func (m *Message) IncrementHops(fwd string) {
	if !m.AlreadyForwardedTo(fwd) {
		m.AlreadyForwarded = append(m.AlreadyForwarded, fwd)
	}
	m.Hops++
}

// ToMap renders the message as a generic map for embedding in a
// GOSSIP_MESSAGE command payload.
func (m *Message) ToMap() map[string]any {
	return map[string]any{
		"id":                m.ID,
		"source":            m.Source,
		"destination":       m.Destination,
		"payload":           m.Payload,
		"hops":              m.Hops,
		"max_hops":          m.MaxHops,
		"already_forwarded": m.AlreadyForwarded,
		"vector_clock":      m.VectorClock,
		"created_at":        m.CreatedAt,
		"ttl_seconds":       m.TTLSeconds,
		"priority":          m.Priority,
	}
}

// FromMap decodes a GOSSIP_MESSAGE payload map back into a Message. raw may
// come from ToMap or from a JSON decode; it is first passed through a JSON
// round trip so both forms carry the same value types.
func FromMap(raw map[string]any) *Message {
	if b, err := json.Marshal(raw); err == nil {
		var norm map[string]any
		if json.Unmarshal(b, &norm) == nil {
			raw = norm
		}
	}
	m := &Message{VectorClock: NewVectorClock()}
	if v, ok := raw["id"].(string); ok {
		m.ID = v
	}
	if v, ok := raw["source"].(string); ok {
		m.Source = v
	}
	if v, ok := raw["destination"].(string); ok {
		m.Destination = v
	}
	if v, ok := raw["payload"].(map[string]any); ok {
		m.Payload = v
	}
	if v, ok := raw["hops"].(float64); ok {
		m.Hops = int(v)
	}
	if v, ok := raw["max_hops"].(float64); ok {
		m.MaxHops = int(v)
	}
	if v, ok := raw["already_forwarded"].([]any); ok {
		for _, e := range v {
			if s, ok := e.(string); ok {
				m.AlreadyForwarded = append(m.AlreadyForwarded, s)
			}
		}
	}
	if v, ok := raw["vector_clock"].(map[string]any); ok {
		for k, val := range v {
			if f, ok := val.(float64); ok {
				m.VectorClock[k] = uint64(f)
			}
		}
	}
	if v, ok := raw["created_at"].(float64); ok {
		m.CreatedAt = v
	}
	if v, ok := raw["ttl_seconds"].(float64); ok {
		m.TTLSeconds = v
	}
	if v, ok := raw["priority"].(string); ok {
		m.Priority = v
	}
	return m
}
