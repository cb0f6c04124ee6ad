package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Control frame types accepted from clients.
const (
	frameTypePing        = "ping"
	frameTypeSubscribe   = "subscribe"
	frameTypeUnsubscribe = "unsubscribe"
)

// Control frame types sent to clients.
const (
	frameTypePong                = "pong"
	frameTypeSubscriptionUpdated = "subscription_updated"
	frameTypeError               = "error"
)

// ErrMalformedFrame is returned for client frames that cannot be decoded
// or that name an unknown control type.
var ErrMalformedFrame = errors.New("malformed frame")

// clientFrame is a decoded control frame from a client.
type clientFrame struct {
	Type   string   `json:"type"`
	Groups []string `json:"groups,omitempty"`
}

// parseClientFrame decodes a control frame. The type field is peeked
// before the full decode so garbage payloads fail fast.
func parseClientFrame(raw []byte) (*clientFrame, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedFrame)
	}

	frameType := gjson.GetBytes(raw, "type").String()
	switch frameType {
	case frameTypePing, frameTypeSubscribe, frameTypeUnsubscribe:
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, frameType)
	}

	var frame clientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if (frame.Type == frameTypeSubscribe || frame.Type == frameTypeUnsubscribe) && len(frame.Groups) == 0 {
		return nil, fmt.Errorf("%w: %s without groups", ErrMalformedFrame, frame.Type)
	}
	return &frame, nil
}

type pongFrame struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

type subscriptionUpdatedFrame struct {
	Type   string   `json:"type"`
	Groups []string `json:"groups"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func marshalPong(now time.Time) []byte {
	b, _ := json.Marshal(pongFrame{Type: frameTypePong, Timestamp: now.UTC().Format(time.RFC3339Nano)})
	return b
}

func marshalSubscriptionUpdated(groups []string) []byte {
	if groups == nil {
		groups = []string{}
	}
	b, _ := json.Marshal(subscriptionUpdatedFrame{Type: frameTypeSubscriptionUpdated, Groups: groups})
	return b
}

func marshalError(message string) []byte {
	b, _ := json.Marshal(errorFrame{Type: frameTypeError, Message: message})
	return b
}
