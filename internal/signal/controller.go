// Package signal wires the pilot-center protocol methods onto every
// accepted session: MSU registration and keepalive, room joins, and the
// pusher publish bookkeeping.
package signal

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/Icolfyou/RTCPilot/internal/msu"
	"github.com/Icolfyou/RTCPilot/internal/protoo"
	"github.com/Icolfyou/RTCPilot/internal/room"
)

type Controller struct {
	rooms *room.Manager
	msus  *msu.Manager
	log   zerolog.Logger
}

func NewController(rooms *room.Manager, msus *msu.Manager, log zerolog.Logger) *Controller {
	return &Controller{
		rooms: rooms,
		msus:  msus,
		log:   log.With().Str("module", "signal").Logger(),
	}
}

// OnSession registers the method handlers for one accepted session. It runs
// before the session's receive loop starts.
func (ctl *Controller) OnSession(sess *protoo.Session) {
	sess.HandleRequest("register", func(ctx context.Context, data json.RawMessage) (any, error) {
		return ctl.handleRegister(sess, data)
	})
	sess.HandleNotification("keepalive", func(ctx context.Context, data json.RawMessage) {
		ctl.handleKeepalive(data)
	})
	sess.HandleRequest("joinRoom", func(ctx context.Context, data json.RawMessage) (any, error) {
		return ctl.handleJoinRoom(ctx, sess, data)
	})
	sess.HandleRequest("publish", func(ctx context.Context, data json.RawMessage) (any, error) {
		return ctl.handlePublish(data)
	})
	sess.HandleRequest("unpublish", func(ctx context.Context, data json.RawMessage) (any, error) {
		return ctl.handleUnpublish(data)
	})
}

func (ctl *Controller) handleRegister(sess *protoo.Session, data json.RawMessage) (any, error) {
	var p struct {
		MsuID   string `json:"msuId"`
		AliveMs int64  `json:"aliveMs"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &protoo.ResponseError{Code: 400, Reason: "bad register payload"}
	}
	item, err := ctl.msus.AddOrUpdate(sess, p.MsuID, p.AliveMs)
	if err != nil {
		return nil, &protoo.ResponseError{Code: 400, Reason: err.Error()}
	}
	return map[string]string{"msuId": item.MsuID}, nil
}

func (ctl *Controller) handleKeepalive(data json.RawMessage) {
	var p struct {
		MsuID string `json:"msuId"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.MsuID == "" {
		ctl.log.Warn().Msg("bad keepalive payload, ignored")
		return
	}
	ctl.msus.Touch(p.MsuID)
}

func (ctl *Controller) handleJoinRoom(ctx context.Context, sess *protoo.Session, data json.RawMessage) (any, error) {
	var p struct {
		RoomID   string `json:"roomId"`
		UserID   string `json:"userId"`
		UserName string `json:"userName"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" || p.UserID == "" {
		return nil, &protoo.ResponseError{Code: 400, Reason: "bad joinRoom payload"}
	}

	u := ctl.rooms.GetOrCreateUser(p.UserID, p.UserName)
	u.AddSession(sess)
	sess.OnClose(func() { u.RemoveSession(sess) })

	// The invite handshake toward the MSU runs in the background: the
	// joining peer gets its response regardless of MSU reachability.
	go ctl.rooms.HandleJoinRoom(ctx, p.RoomID, p.UserID, p.UserName)

	return map[string]string{"roomId": p.RoomID, "userId": p.UserID}, nil
}

func (ctl *Controller) handlePublish(data json.RawMessage) (any, error) {
	var p struct {
		UserID   string         `json:"userId"`
		PusherID string         `json:"pusherId"`
		RtpParam *room.RtpParam `json:"rtpParam"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.UserID == "" || p.PusherID == "" {
		return nil, &protoo.ResponseError{Code: 400, Reason: "bad publish payload"}
	}
	u := ctl.rooms.GetUser(p.UserID)
	if u == nil {
		return nil, &protoo.ResponseError{Code: 404, Reason: "unknown user"}
	}
	u.SetPusherInfo(&room.PushInfo{PusherID: p.PusherID, RtpParam: p.RtpParam})
	ctl.log.Info().Str("user", p.UserID).Str("pusher", p.PusherID).Msg("pusher published")
	return map[string]string{"pusherId": p.PusherID}, nil
}

func (ctl *Controller) handleUnpublish(data json.RawMessage) (any, error) {
	var p struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.UserID == "" {
		return nil, &protoo.ResponseError{Code: 400, Reason: "bad unpublish payload"}
	}
	u := ctl.rooms.GetUser(p.UserID)
	if u == nil {
		return nil, &protoo.ResponseError{Code: 404, Reason: "unknown user"}
	}
	u.ClearPusherInfo()
	ctl.log.Info().Str("user", p.UserID).Msg("pushers cleared")
	return nil, nil
}
