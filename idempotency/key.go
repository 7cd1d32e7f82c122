package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
)

// idFields are tried in order; the first present one identifies the delivery
var idFields = []string{
	"payloadId",
	"eventId",
	"id",
	"timeEntryId",
	"timeEntry.id",
	"assignmentId",
	"projectId",
	"clientId",
	"targetId",
	"taskId",
	"userId",
	"webhookId",
	"invoiceId",
}

// DeriveKey builds the dedup key of a delivery from the event type and the
// first identifier the body carries, falling back to a SHA-256 of the raw
// body when none is present.
func DeriveKey(eventType string, body map[string]any, raw []byte) string {
	eventType = strings.ToUpper(strings.TrimSpace(eventType))
	for _, field := range idFields {
		if id := lookupID(body, field); id != "" {
			return eventType + ":" + id
		}
	}
	if len(raw) == 0 && body != nil {
		raw, _ = json.Marshal(body)
	}
	sum := sha256.Sum256(raw)
	return eventType + ":sha256:" + hex.EncodeToString(sum[:])
}

func lookupID(body map[string]any, path string) string {
	var current any = body
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current = m[segment]
	}
	switch v := current.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	}
	return ""
}
