// Package room holds the pilot-center room side of the control plane: the
// negotiated-media parameter records, users with their published media, and
// the room-to-MSU routing manager.
package room

import "encoding/json"

// RtpParam carries negotiated codec and transport parameters for one pushed
// track. Every field is optional; nil fields are omitted from the wire
// representation, so serialization is lossy for nulls.
type RtpParam struct {
	AVType         *string  `json:"av_type,omitempty"`
	Codec          *string  `json:"codec,omitempty"`
	FmtpParam      *string  `json:"fmtp_param,omitempty"`
	RtcpFeatures   []string `json:"rtcp_features,omitempty"`
	Channel        *int     `json:"channel,omitempty"`
	Ssrc           *uint32  `json:"ssrc,omitempty"`
	PayloadType    *int     `json:"payload_type,omitempty"`
	ClockRate      *int     `json:"clock_rate,omitempty"`
	RtxSsrc        *uint32  `json:"rtx_ssrc,omitempty"`
	RtxPayloadType *int     `json:"rtx_payload_type,omitempty"`
	UseNack        *bool    `json:"use_nack,omitempty"`
	KeyRequest     *bool    `json:"key_request,omitempty"`
	MidExtID       *int     `json:"mid_ext_id,omitempty"`
	TccExtID       *int     `json:"tcc_ext_id,omitempty"`
}

// ParseRtpParam decodes a JSON object into an RtpParam.
func ParseRtpParam(payload []byte) (*RtpParam, error) {
	var p RtpParam
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PushInfo describes one published track: the pusher id and its negotiated
// parameters.
type PushInfo struct {
	PusherID string    `json:"pusherId,omitempty"`
	RtpParam *RtpParam `json:"rtpParam,omitempty"`
}

// ParsePushInfo decodes a JSON object into a PushInfo.
func ParsePushInfo(payload []byte) (*PushInfo, error) {
	var p PushInfo
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
