package ledger

import (
	"encoding/json"
	"strings"
)

// Chaincode event names
const (
	EventRecordCreated = "RecordCreated"
	EventAccessGranted = "AccessGranted"
	EventAccessRevoked = "AccessRevoked"
)

// Event is a chaincode event normalized into canonical field names.
// Chaincode emits payload fields in whatever casing its author chose
// (record_id, recordId, RecordID); the normalizer folds them all into
// one shape. Raw always carries the undecoded payload.
type Event struct {
	Name      string          `json:"name"`
	RecordID  string          `json:"record_id"`
	PatientID string          `json:"patient_id"`
	CreatorID string          `json:"creator_id"`
	GranteeID string          `json:"grantee_id"`
	IPFSCID   string          `json:"ipfs_cid"`
	Action    string          `json:"action"`
	Raw       json.RawMessage `json:"raw"`
}

// NormalizeEvent decodes a chaincode event payload into canonical form.
// Payloads that are not JSON objects still produce an Event carrying
// the raw bytes, so subscribers never lose data.
func NormalizeEvent(name string, payload []byte) Event {
	ev := Event{Name: name, Raw: append(json.RawMessage(nil), payload...)}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ev
	}

	folded := make(map[string]string, len(fields))
	for k, v := range fields {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			continue
		}
		folded[foldKey(k)] = s
	}

	ev.RecordID = folded["recordid"]
	ev.PatientID = folded["patientid"]
	ev.CreatorID = folded["creatorid"]
	ev.GranteeID = folded["granteeid"]
	ev.Action = folded["action"]
	if cid, ok := folded["ipfscid"]; ok {
		ev.IPFSCID = cid
	} else {
		ev.IPFSCID = folded["cid"]
	}
	// Some chaincode versions emit the grantee as user_id
	if ev.GranteeID == "" {
		ev.GranteeID = folded["userid"]
	}
	return ev
}

// foldKey lowercases a field name and strips separators so record_id,
// recordId, RecordID, and RECORD_ID all fold to recordid.
func foldKey(k string) string {
	k = strings.ToLower(k)
	k = strings.ReplaceAll(k, "_", "")
	k = strings.ReplaceAll(k, "-", "")
	return k
}

// Known reports whether the event name is one this service dispatches
func Known(name string) bool {
	switch name {
	case EventRecordCreated, EventAccessGranted, EventAccessRevoked:
		return true
	}
	return false
}
