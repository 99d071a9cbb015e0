package api

import "fmt"

type (
	JoinRequest struct {
		AppId         string `json:"app"`
		Channel       string `json:"channel"`
		Token         string `json:"token"`
		ParticipantId string `json:"pid,omitempty"`
	}
	Occupant struct {
		Id   string `json:"id"`
		Name string `json:"name,omitempty"`
	}
	JoinResponse struct {
		ParticipantId string     `json:"pid"`
		Occupants     []Occupant `json:"occupants,omitempty"`
	}
	RenewTokenRequest struct {
		Token string `json:"token"`
	}
	SubscribeRequest struct {
		ParticipantId string `json:"pid"`
		Kind          string `json:"kind"`
	}
	SubscribeResponse struct {
		TrackId  string `json:"track"`
		StreamId string `json:"stream,omitempty"`
	}
	// UserEvent is a push about a remote participant.
	UserEvent struct {
		ParticipantId string `json:"pid"`
		Name          string `json:"name,omitempty"`
		Kind          string `json:"kind,omitempty"`
		Reason        string `json:"reason,omitempty"`
	}
	TokenEvent struct {
		ExpiresIn int `json:"expiresIn,omitempty"`
	}
	ExceptionEvent struct {
		Code    int    `json:"code"`
		Message string `json:"msg"`
	}
	// Error is a failed call response.
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"msg"`
	}
	WebrtcSdp struct {
		Type string `json:"type"`
		Sdp  string `json:"sdp"`
	}
	WebrtcIceCandidate struct {
		Candidate     string  `json:"candidate"`
		SdpMid        *string `json:"sdpMid,omitempty"`
		SdpMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	}
)

// Error codes of failed calls.
const (
	CodeUnknown      = 0
	CodeBadRequest   = 400
	CodeUnauthorized = 401
	CodeForbidden    = 403
	CodeNotJoined    = 404
	CodeRoomFull     = 409
	CodeTokenExpired = 419
	CodeInternal     = 500
)

func (e *Error) Error() string { return fmt.Sprintf("[%d] %s", e.Code, e.Message) }
