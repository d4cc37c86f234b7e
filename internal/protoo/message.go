// Package protoo implements the JSON request/response/notification
// protocol spoken over every pilot-center WebSocket connection, including
// correlation of outbound requests with their eventual responses.
package protoo

import "encoding/json"

// envelope is the decoded superset of the three wire shapes. Exactly one of
// Request/Response/Notification must be true for a frame to be valid.
type envelope struct {
	Request      bool            `json:"request,omitempty"`
	Response     bool            `json:"response,omitempty"`
	Notification bool            `json:"notification,omitempty"`
	ID           uint64          `json:"id,omitempty"`
	Method       string          `json:"method,omitempty"`
	OK           bool            `json:"ok,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    int             `json:"errorCode,omitempty"`
	ErrorReason  string          `json:"errorReason,omitempty"`
}

type requestMessage struct {
	Request bool   `json:"request"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Data    any    `json:"data"`
}

// responseMessage carries OK without omitempty: an error response must put
// "ok":false on the wire.
type responseMessage struct {
	Response    bool   `json:"response"`
	ID          uint64 `json:"id"`
	OK          bool   `json:"ok"`
	Data        any    `json:"data,omitempty"`
	ErrorCode   int    `json:"errorCode,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

type notificationMessage struct {
	Notification bool   `json:"notification"`
	Method       string `json:"method"`
	Data         any    `json:"data"`
}

func parseEnvelope(frame []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, &ProtocolError{Reason: "malformed json: " + err.Error()}
	}
	if !env.Request && !env.Response && !env.Notification {
		return nil, &ProtocolError{Reason: "envelope matches no known shape"}
	}
	return &env, nil
}
