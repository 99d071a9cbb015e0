package network

import "github.com/rs/xid"

// Uid is a globally unique, sortable id (tab instances, packets).
type Uid string

func NewUid() Uid { return Uid(xid.New().String()) }

func (u Uid) String() string { return string(u) }

// Short returns a shortened (not unique) version of the id for logs.
func (u Uid) Short() string {
	if len(u) < 7 {
		return string(u)
	}
	return string(u)[:3] + "." + string(u)[len(u)-3:]
}
