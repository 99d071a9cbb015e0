// Package api defines the signalling API between a room client and a room server.
//
// Each API call (request and response) is a JSON-encoded "packet" of the following structure:
//
//	id - (optional) a globally unique packet id;
//	 t - (required) one of the predefined unique packet types;
//	 p - (optional) packet payload with arbitrary data.
//
// The packets differentiate by their predefined types with which it is possible
// to unwrap the payload into distinct request/response data structures.
// Requests of a client carry an id and the server answers with the same id,
// pushes of the server have no id.
//
// Example:
//
//	{"id":"cfv68irdrc3ifu3jn6bg","t":1,"p":{"app":"a1","channel":"R1","token":"...","pid":"U1"}}
package api

import (
	"fmt"

	"github.com/goccy/go-json"
)

type PT uint8

type In struct {
	Id      string          `json:"id,omitempty"`
	T       PT              `json:"t"`
	Payload json.RawMessage `json:"p,omitempty"` // should be json.RawMessage for 2-pass unmarshal
}

func (i In) GetId() string      { return i.Id }
func (i In) GetPayload() []byte { return i.Payload }
func (i In) GetType() PT        { return i.T }

type Out struct {
	Id      string `json:"id,omitempty"`
	T       PT     `json:"t"`
	Payload any    `json:"p,omitempty"`
}

// Packet codes:
//
//	x - client calls
//	1xx - server pushes
//	2xx - WebRTC negotiation
const (
	Join          PT = 1
	Leave         PT = 2
	RenewToken    PT = 3
	Subscribe     PT = 4
	CheckLatency  PT = 5
	ErrorResponse PT = 9

	UserJoined      PT = 101
	UserPublished   PT = 102
	UserUnpublished PT = 103
	UserLeft        PT = 104
	TokenWillExpire PT = 105
	TokenDidExpire  PT = 106
	Exception       PT = 107

	WebrtcOffer  PT = 201
	WebrtcAnswer PT = 202
	WebrtcIce    PT = 203
)

func (p PT) String() string {
	switch p {
	case Join:
		return "Join"
	case Leave:
		return "Leave"
	case RenewToken:
		return "RenewToken"
	case Subscribe:
		return "Subscribe"
	case CheckLatency:
		return "CheckLatency"
	case ErrorResponse:
		return "Error"
	case UserJoined:
		return "UserJoined"
	case UserPublished:
		return "UserPublished"
	case UserUnpublished:
		return "UserUnpublished"
	case UserLeft:
		return "UserLeft"
	case TokenWillExpire:
		return "TokenWillExpire"
	case TokenDidExpire:
		return "TokenDidExpire"
	case Exception:
		return "Exception"
	case WebrtcOffer:
		return "WebrtcOffer"
	case WebrtcAnswer:
		return "WebrtcAnswer"
	case WebrtcIce:
		return "WebrtcIce"
	default:
		return "Unknown"
	}
}

// Various codes
const (
	EMPTY = ""
	OK    = "ok"
)

var (
	ErrForbidden = fmt.Errorf("forbidden")
	ErrMalformed = fmt.Errorf("malformed")
)

var (
	EmptyPacket = Out{Payload: ""}
	OkPacket    = Out{Payload: OK}
)

func Unwrap[T any](data []byte) *T {
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil
	}
	return out
}

func UnwrapChecked[T any](bytes []byte, err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	if v := Unwrap[T](bytes); v != nil {
		return v, nil
	}
	return nil, ErrMalformed
}
