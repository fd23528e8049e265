package feishu

import (
	"encoding/json"
	"fmt"
)

// CardAction is a parsed card button click: which item, which action,
// and who clicked.
type CardAction struct {
	Action    string
	ItemID    string
	ActorID   string
	ActorName string
	MessageID string
}

// callbackEnvelope covers both the card-action callback and the event
// webhook; the platform also posts a bare {challenge} during endpoint
// verification.
type callbackEnvelope struct {
	Challenge string `json:"challenge"`
	Header    struct {
		EventType string `json:"event_type"`
	} `json:"header"`
	Event struct {
		OpenMessageID string `json:"open_message_id"`
		Operator      struct {
			OpenID string `json:"open_id"`
			UserID string `json:"user_id"`
		} `json:"operator"`
		User struct {
			OpenID string `json:"open_id"`
			Name   string `json:"name"`
		} `json:"user"`
		Action struct {
			Value struct {
				Action string `json:"action"`
				ItemID string `json:"item_id"`
			} `json:"value"`
		} `json:"action"`
	} `json:"event"`
}

const eventTypeCardAction = "card.action.trigger"

// DecodeCallback parses a webhook body. It returns the challenge string
// for verification requests, a CardAction for button clicks, or
// (``, nil, nil) for event types this pipeline ignores.
func DecodeCallback(body []byte) (string, *CardAction, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", nil, fmt.Errorf("decoding callback: %w", err)
	}

	if env.Challenge != "" {
		return env.Challenge, nil, nil
	}
	if env.Header.EventType != eventTypeCardAction {
		return "", nil, nil
	}

	action := CardAction{
		Action:    env.Event.Action.Value.Action,
		ItemID:    env.Event.Action.Value.ItemID,
		MessageID: env.Event.OpenMessageID,
		ActorID:   env.Event.Operator.OpenID,
		ActorName: env.Event.User.Name,
	}
	if action.ActorID == "" {
		action.ActorID = env.Event.User.OpenID
	}
	if action.ActorID == "" {
		action.ActorID = env.Event.Operator.UserID
	}

	if action.Action == "" || action.ItemID == "" {
		return "", nil, fmt.Errorf("card action missing action or item_id")
	}
	return "", &action, nil
}
