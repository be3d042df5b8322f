package tailscale

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	EventNodeCreated             = "nodeCreated"
	EventNodeNeedsApproval       = "nodeNeedsApproval"
	EventNodeApproved            = "nodeApproved"
	EventNodeKeyExpiringInOneDay = "nodeKeyExpiringInOneDay"
	EventNodeKeyExpired          = "nodeKeyExpired"
	EventNodeDeleted             = "nodeDeleted"
	EventPolicyUpdate            = "policyUpdate"
	EventUserCreated             = "userCreated"
	EventUserNeedsApproval       = "userNeedsApproval"
	EventUserSuspended           = "userSuspended"
	EventUserRestored            = "userRestored"
	EventUserDeleted             = "userDeleted"
	EventUserApproved            = "userApproved"
	EventUserRoleUpdated         = "userRoleUpdated"
	EventTest                    = "test"
)

// Payload is one event from a webhook delivery. Data holds a *NodeEvent,
// *NodeExpiration, *PolicyUpdate, *UserRole, json.RawMessage for unknown
// types, or nil.
type Payload struct {
	Timestamp string `json:"timestamp"`
	Version   int    `json:"version"`
	Type      string `json:"type"`
	Tailnet   string `json:"tailnet"`
	Message   string `json:"message"`
	Data      any    `json:"data"`
}

type NodeEvent struct {
	NodeID     string `json:"nodeID"`
	DeviceName string `json:"deviceName"`
	ManagedBy  string `json:"managedBy"`
	Actor      string `json:"actor"`
	URL        string `json:"url"`
}

type NodeExpiration struct {
	NodeEvent
	Expiration string `json:"expiration"`
}

type PolicyUpdate struct {
	NewPolicy string `json:"newPolicy"`
	OldPolicy string `json:"oldPolicy"`
	URL       string `json:"url"`
	Actor     string `json:"actor"`
}

type UserRole struct {
	User     string   `json:"user"`
	URL      string   `json:"url"`
	Actor    string   `json:"actor"`
	OldRoles []string `json:"oldRoles"`
	NewRoles []string `json:"newRoles"`
}

func (p *Payload) UnmarshalJSON(b []byte) error {
	var raw struct {
		Timestamp string          `json:"timestamp"`
		Version   int             `json:"version"`
		Type      string          `json:"type"`
		Tailnet   string          `json:"tailnet"`
		Message   string          `json:"message"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	p.Timestamp = raw.Timestamp
	p.Version = raw.Version
	p.Type = raw.Type
	p.Tailnet = raw.Tailnet
	p.Message = raw.Message
	p.Data = nil

	if len(raw.Data) == 0 || bytes.Equal(raw.Data, []byte("null")) {
		return nil
	}

	var target any
	switch raw.Type {
	case EventNodeKeyExpiringInOneDay, EventNodeKeyExpired:
		target = &NodeExpiration{}
	case EventNodeCreated, EventNodeNeedsApproval, EventNodeApproved, EventNodeDeleted:
		target = &NodeEvent{}
	case EventPolicyUpdate:
		target = &PolicyUpdate{}
	case EventUserRoleUpdated:
		target = &UserRole{}
	default:
		p.Data = raw.Data
		return nil
	}

	if err := json.Unmarshal(raw.Data, target); err != nil {
		return fmt.Errorf("failed to decode %s data: %w", raw.Type, err)
	}
	p.Data = target
	return nil
}

// ParsePayload decodes a delivery body. Tailscale sends a JSON array of
// events; a single event object is accepted too.
func ParsePayload(body string) ([]Payload, error) {
	trimmed := bytes.TrimSpace([]byte(body))
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	if trimmed[0] == '[' {
		var events []Payload
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("failed to parse payload: %w", err)
		}
		return events, nil
	}

	var event Payload
	if err := json.Unmarshal(trimmed, &event); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	return []Payload{event}, nil
}
