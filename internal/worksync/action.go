package worksync

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Op string

const (
	OpCreate Op = "CREATE"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Action names one queued mutation, e.g. CREATE_WORK_ORDER.
type Action string

func NewAction(op Op, kind string) Action {
	return Action(string(op) + "_" + strings.ToUpper(strings.TrimSpace(kind)))
}

func ParseAction(raw string) (Op, string, error) {
	raw = strings.TrimSpace(raw)
	for _, op := range []Op{OpCreate, OpUpdate, OpDelete} {
		prefix := string(op) + "_"
		if strings.HasPrefix(raw, prefix) && len(raw) > len(prefix) {
			return op, raw[len(prefix):], nil
		}
	}
	return "", "", fmt.Errorf("%w: %q", ErrUnknownAction, raw)
}

// clientIDField carries the client id inside the flat CREATE body. Entity
// data may not use it; EntityKind validation rejects it.
const clientIDField = "clientId"

// createPayload is the CREATE body plus the client id that makes replays
// idempotent on the remote side.
type createPayload struct {
	ClientID string
	Data     map[string]any
}

func (p createPayload) MarshalJSON() ([]byte, error) {
	body := make(map[string]any, len(p.Data)+1)
	for key, value := range p.Data {
		body[key] = value
	}
	body[clientIDField] = p.ClientID
	return json.Marshal(body)
}

func (p *createPayload) UnmarshalJSON(data []byte) error {
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return err
	}
	clientID, _ := body[clientIDField].(string)
	delete(body, clientIDField)
	p.ClientID = clientID
	p.Data = body
	return nil
}

type updatePayload struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data"`
}

type deletePayload struct {
	ID string `json:"id"`
}

// entityRef returns the id of the entity a queued payload mutates.
func entityRef(op Op, payload json.RawMessage) (string, error) {
	switch op {
	case OpCreate:
		var p createPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", err
		}
		return p.ClientID, nil
	case OpUpdate:
		var p updatePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", err
		}
		return p.ID, nil
	case OpDelete:
		var p deletePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", err
		}
		return p.ID, nil
	}
	return "", ErrUnknownAction
}
