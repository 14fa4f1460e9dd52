// Package common defines the JSON messages exchanged between clients and the
// server.
package common

import "github.com/knemerzitski/notes-sub015/server/ot"

// For detecting incoming message type. Each struct below has Type set to the
// struct type name.
type MsgType struct {
	Type string
}

// Sent from client to server.
type Init struct {
	Type       string
	DocumentId string
}

// Sent from server to client.
type Snapshot struct {
	Type     string
	ClientId string // id for this client

	Revision int    // revision of Text
	Text     string // document text at Revision
}

// Sent from client to server.
type Submit struct {
	Type       string
	RequestId  string // echoed in the SubmitResult
	DocumentId string
	// SubmissionId stays the same when a submission is sent again, so the
	// server can tell a resend from a new edit. Optional.
	SubmissionId string `json:",omitempty"`

	BaseRevision int          // revision against which Changeset was made
	Changeset    ot.Changeset // encoded as a string
}

// Sent from server to client in response to Submit.
type SubmitResult struct {
	Type      string
	RequestId string

	Accepted bool
	Revision int // revision assigned to the changeset, if accepted

	// Changesets of revisions BaseRevision+1 onwards that the submission
	// missed. When the submission is rejected the client rebases on them and
	// submits again; when it is accepted they end at Revision-1.
	MissedChangesets []ot.Changeset

	Error string `json:",omitempty"`
}

// Sent from server to every other client of the document.
type RevisionAppended struct {
	Type       string
	ClientId     string // client that submitted this revision
	DocumentId   string
	SubmissionId string `json:",omitempty"`

	Revision  int
	Changeset ot.Changeset
}

// Sent from server to client when a message could not be processed.
type Error struct {
	Type    string
	Message string
}
