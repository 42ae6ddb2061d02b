package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Discovery is a deduplicated, confidence-scored finding produced by a
// completed task. Immutable once created; the id doubles as the dedup key
// because it is a content hash of the normalized payload.
type Discovery struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Payload    map[string]interface{} `json:"payload"`
	Confidence float64                `json:"confidence"`
	AgentID    string                 `json:"agent_id"`
	CreatedAt  time.Time              `json:"created_at"`
}

// NewDiscovery builds a discovery whose id is the content hash of the
// normalized payload. Two discoveries with semantically equal payloads
// always share an id regardless of map iteration order.
func NewDiscovery(discoveryType string, payload map[string]interface{}) *Discovery {
	return &Discovery{
		ID:        hashPayload(discoveryType, payload),
		Type:      discoveryType,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// Key returns the dedup key for this discovery.
func (d *Discovery) Key() string {
	return d.ID
}

// ClampConfidence forces a confidence score into [0,1].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// hashPayload produces a stable sha256 hex digest over the discovery type
// and a canonical rendering of the payload. Keys are emitted in sorted
// order and values rendered through encoding/json so nested maps normalize
// the same way at every level.
func hashPayload(discoveryType string, payload map[string]interface{}) string {
	h := sha256.New()
	h.Write([]byte(discoveryType))
	h.Write([]byte{0})
	h.Write([]byte(canonicalize(payload)))
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalize(v interface{}) string {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(k)
			sb.WriteByte(':')
			sb.WriteString(canonicalize(val[k]))
		}
		sb.WriteByte('}')
		return sb.String()
	case []interface{}:
		var sb strings.Builder
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(canonicalize(item))
		}
		sb.WriteByte(']')
		return sb.String()
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
