package event

import (
	"encoding/json"
	"fmt"
)

// SetPaused toggles the pool pause switch. Admin role only.
type SetPaused struct {
	Meta
	Paused bool `json:"paused"`
}

func (c *SetPaused) EventType() EventType { return EventTypeSetPaused }

// GrantRole gives Account the named role ("oracle", "admin"). Admin role only.
type GrantRole struct {
	Meta
	Account string `json:"account"`
	Role    string `json:"role"`
}

func (c *GrantRole) EventType() EventType { return EventTypeGrantRole }

// New returns an empty command for the type, for decoding.
func New(et EventType) (Event, error) {
	switch et {
	case EventTypeCreateCoverage:
		return &CreateCoverage{}, nil
	case EventTypeCancelCoverage:
		return &CancelCoverage{}, nil
	case EventTypeExpireCoverage:
		return &ExpireCoverage{}, nil
	case EventTypeSubmitClaim:
		return &SubmitClaim{}, nil
	case EventTypeMarkUnderReview:
		return &MarkUnderReview{}, nil
	case EventTypeResolveClaim:
		return &ResolveClaim{}, nil
	case EventTypeAddLiquidity:
		return &AddLiquidity{}, nil
	case EventTypeRemoveLiquidity:
		return &RemoveLiquidity{}, nil
	case EventTypePerformUpkeep:
		return &PerformUpkeep{}, nil
	case EventTypeSetPaused:
		return &SetPaused{}, nil
	case EventTypeGrantRole:
		return &GrantRole{}, nil
	case EventTypeApproveToken:
		return &ApproveToken{}, nil
	case EventTypeMintToken:
		return &MintToken{}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %d", et)
	}
}

// Decode rebuilds a command from its stored JSON payload.
func Decode(eventType string, payload []byte) (Event, error) {
	evt, err := New(ParseEventType(eventType))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", eventType, err)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", eventType, err)
	}
	return evt, nil
}
