// Package wire defines the closed set of messages exchanged between sync peers and their compact binary encoding.
//
// A frame is one version byte, the message tag as a varint, then the payload as protobuf wire-format fields. Both
// ends share the tag and field number tables below; adding a tag means bumping Version.
package wire

// Version is the protocol version written as the first byte of every frame.
const Version byte = 1

type Tag uint64

const (
	TagPing Tag = iota + 1
	TagPong
	TagReadyRequest
	TagReadyAnswer
	TagStateRequest
	TagStateUpdate
	TagPresenceSet
	TagPresenceUpdate
	TagPresenceActivity
	TagPresenceRequest
	TagMetadataUpdated
	TagDocumentDeleted
	TagServerVersionUpdated

	maxTag = TagServerVersionUpdated
)

var tagNames = map[Tag]string{
	TagPing:                 "PING",
	TagPong:                 "PONG",
	TagReadyRequest:         "READY_REQUEST",
	TagReadyAnswer:          "READY_ANSWER",
	TagStateRequest:         "STATE_REQUEST",
	TagStateUpdate:          "STATE_UPDATE",
	TagPresenceSet:          "PRESENCE_SET",
	TagPresenceUpdate:       "PRESENCE_UPDATE",
	TagPresenceActivity:     "PRESENCE_ACTIVITY",
	TagPresenceRequest:      "PRESENCE_REQUEST",
	TagMetadataUpdated:      "METADATA_UPDATED",
	TagDocumentDeleted:      "DOCUMENT_DELETED",
	TagServerVersionUpdated: "SERVER_VERSION_UPDATED",
}

func (t Tag) String() string {
	if n, ok := tagNames[t]; ok {
		return n
	}
	return "UNKNOWN"
}

// Message is implemented only by the types in this package.
type Message interface {
	Tag() Tag
	isMessage()
}

type Ping struct{}
type Pong struct{}
type ReadyRequest struct{}
type ReadyAnswer struct{}

// StateRequest asks the peer for everything missing from the sender's state vector.
type StateRequest struct {
	StateVector []byte
}

// StateUpdate carries a document delta.
type StateUpdate struct {
	Delta []byte
}

type Cursor struct {
	From int
	To   int
}

type PresenceUser struct {
	DisplayName string
	StyleIndex  int
	Cursor      *Cursor
	Active      bool
}

// PresenceSet lists the other users currently editing the note.
type PresenceSet struct {
	Users []PresenceUser
}

// PresenceUpdate moves the sender's cursor or selection.
type PresenceUpdate struct {
	Cursor Cursor
}

type PresenceActivity struct {
	Active bool
}

type PresenceRequest struct{}
type MetadataUpdated struct{}
type DocumentDeleted struct{}
type ServerVersionUpdated struct{}

func (Ping) Tag() Tag                 { return TagPing }
func (Pong) Tag() Tag                 { return TagPong }
func (ReadyRequest) Tag() Tag         { return TagReadyRequest }
func (ReadyAnswer) Tag() Tag          { return TagReadyAnswer }
func (StateRequest) Tag() Tag         { return TagStateRequest }
func (StateUpdate) Tag() Tag          { return TagStateUpdate }
func (PresenceSet) Tag() Tag          { return TagPresenceSet }
func (PresenceUpdate) Tag() Tag       { return TagPresenceUpdate }
func (PresenceActivity) Tag() Tag     { return TagPresenceActivity }
func (PresenceRequest) Tag() Tag      { return TagPresenceRequest }
func (MetadataUpdated) Tag() Tag      { return TagMetadataUpdated }
func (DocumentDeleted) Tag() Tag      { return TagDocumentDeleted }
func (ServerVersionUpdated) Tag() Tag { return TagServerVersionUpdated }

func (Ping) isMessage()                 {}
func (Pong) isMessage()                 {}
func (ReadyRequest) isMessage()         {}
func (ReadyAnswer) isMessage()          {}
func (StateRequest) isMessage()         {}
func (StateUpdate) isMessage()          {}
func (PresenceSet) isMessage()          {}
func (PresenceUpdate) isMessage()       {}
func (PresenceActivity) isMessage()     {}
func (PresenceRequest) isMessage()      {}
func (MetadataUpdated) isMessage()      {}
func (DocumentDeleted) isMessage()      {}
func (ServerVersionUpdated) isMessage() {}
