// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/mutation"
	"github.com/bureau-foundation/docsync/lib/query"
	"github.com/bureau-foundation/docsync/lib/status"
)

// FrameType discriminates the payload of a Frame.
type FrameType string

const (
	// Client to server, watch stream.
	FrameAddTarget    FrameType = "addTarget"
	FrameRemoveTarget FrameType = "removeTarget"

	// Server to client, watch stream.
	FrameTargetChange    FrameType = "targetChange"
	FrameDocumentChange  FrameType = "documentChange"
	FrameDocumentDelete  FrameType = "documentDelete"
	FrameDocumentRemove  FrameType = "documentRemove"
	FrameExistenceFilter FrameType = "filter"

	// Client to server, write stream. A handshake carries no writes;
	// the server answers it with a write response holding the first
	// stream token.
	FrameHandshake FrameType = "handshake"
	FrameWrite     FrameType = "write"

	// Server to client, write stream.
	FrameWriteResponse FrameType = "writeResponse"

	// FrameClose is the last frame the server sends before closing a
	// stream with an error status.
	FrameClose FrameType = "close"
)

// Frame is one JSON message on a watch or write stream. Exactly the
// payload named by Type is set.
type Frame struct {
	Type FrameType `json:"type"`

	AddTarget      *AddTargetFrame       `json:"addTarget,omitempty"`
	RemoveTarget   *RemoveTargetFrame    `json:"removeTarget,omitempty"`
	TargetChange   *TargetChangeFrame    `json:"targetChange,omitempty"`
	DocumentChange *DocumentChangeFrame  `json:"documentChange,omitempty"`
	DocumentDelete *DocumentDeleteFrame  `json:"documentDelete,omitempty"`
	DocumentRemove *DocumentRemoveFrame  `json:"documentRemove,omitempty"`
	Filter         *ExistenceFilterFrame `json:"filter,omitempty"`
	Handshake      *HandshakeFrame       `json:"handshake,omitempty"`
	Write          *WriteFrame           `json:"write,omitempty"`
	WriteResponse  *WriteResponseFrame   `json:"writeResponse,omitempty"`
	Close          *StatusFrame          `json:"close,omitempty"`
}

// AddTargetFrame starts a listen. At most one of ResumeToken and
// ReadTime is set.
type AddTargetFrame struct {
	TargetID      int                `json:"targetId"`
	Target        query.TargetRecord `json:"target"`
	ResumeToken   []byte             `json:"resumeToken,omitempty"`
	ReadTime      *model.Timestamp   `json:"readTime,omitempty"`
	ExpectedCount *int               `json:"expectedCount,omitempty"`
}

// RemoveTargetFrame stops a listen.
type RemoveTargetFrame struct {
	TargetID int `json:"targetId"`
}

// TargetChangeState is the kind of a target change.
type TargetChangeState string

const (
	TargetNoChange TargetChangeState = "NO_CHANGE"
	TargetAdded    TargetChangeState = "ADD"
	TargetRemoved  TargetChangeState = "REMOVE"
	TargetCurrent  TargetChangeState = "CURRENT"
	TargetReset    TargetChangeState = "RESET"
)

// TargetChangeFrame reports a change to the state of some targets. A
// NO_CHANGE frame with no target ids is a global consistency point at
// ReadTime.
type TargetChangeFrame struct {
	State       TargetChangeState `json:"state"`
	TargetIDs   []int             `json:"targetIds,omitempty"`
	ResumeToken []byte            `json:"resumeToken,omitempty"`
	ReadTime    *model.Timestamp  `json:"readTime,omitempty"`
	Cause       *StatusFrame      `json:"cause,omitempty"`
}

// StatusFrame carries a backend status.
type StatusFrame struct {
	Code    status.Code `json:"code"`
	Message string      `json:"message,omitempty"`
}

// Err converts the frame to a *status.Error.
func (f *StatusFrame) Err() error {
	if f == nil {
		return nil
	}
	return status.New(f.Code, f.Message)
}

// WireDocument is a document as the backend transmits it, addressed
// by its fully qualified resource name.
type WireDocument struct {
	Name       string                       `json:"name"`
	Fields     map[string]model.ValueRecord `json:"fields,omitempty"`
	UpdateTime model.Timestamp              `json:"updateTime"`
}

// DocumentChangeFrame carries a new document state and the targets it
// now matches or no longer matches.
type DocumentChangeFrame struct {
	Document         WireDocument `json:"document"`
	TargetIDs        []int        `json:"targetIds,omitempty"`
	RemovedTargetIDs []int        `json:"removedTargetIds,omitempty"`
}

// DocumentDeleteFrame reports a deleted document.
type DocumentDeleteFrame struct {
	Name             string           `json:"name"`
	ReadTime         *model.Timestamp `json:"readTime,omitempty"`
	RemovedTargetIDs []int            `json:"removedTargetIds,omitempty"`
}

// DocumentRemoveFrame reports a document that left targets without
// being deleted.
type DocumentRemoveFrame struct {
	Name             string           `json:"name"`
	ReadTime         *model.Timestamp `json:"readTime,omitempty"`
	RemovedTargetIDs []int            `json:"removedTargetIds,omitempty"`
}

// ExistenceFilterFrame reports how many documents match a target on
// the backend, optionally with a bloom filter over their names.
type ExistenceFilterFrame struct {
	TargetID       int               `json:"targetId"`
	Count          int               `json:"count"`
	UnchangedNames *BloomFilterFrame `json:"unchangedNames,omitempty"`
}

// BloomFilterFrame is the serialized form of a BloomFilter.
type BloomFilterFrame struct {
	Bits      []byte `json:"bits"`
	Padding   int    `json:"padding"`
	HashCount int    `json:"hashCount"`
}

// HandshakeFrame opens a write stream.
type HandshakeFrame struct {
	Database string `json:"database"`
}

// WriteFrame sends one batch of mutations. An empty Writes list is a
// graceful close.
type WriteFrame struct {
	StreamToken []byte            `json:"streamToken,omitempty"`
	Writes      []mutation.Record `json:"writes"`
}

// WriteResponseFrame acknowledges a handshake or a write.
type WriteResponseFrame struct {
	StreamToken  []byte             `json:"streamToken"`
	CommitTime   *model.Timestamp   `json:"commitTime,omitempty"`
	WriteResults []WriteResultFrame `json:"writeResults,omitempty"`
}

// WriteResultFrame is the result of one mutation in a write.
type WriteResultFrame struct {
	UpdateTime       *model.Timestamp    `json:"updateTime,omitempty"`
	TransformResults []model.ValueRecord `json:"transformResults,omitempty"`
}

// EncodeFrame marshals a frame to JSON.
func EncodeFrame(frame Frame) ([]byte, error) {
	return json.Marshal(frame)
}

// DecodeFrame unmarshals a frame and checks that the payload named by
// its type is present.
func DecodeFrame(data []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	if err := frame.Validate(); err != nil {
		return Frame{}, err
	}
	return frame, nil
}

// Validate reports whether the payload named by Type is present.
func (f Frame) Validate() error {
	var present bool
	switch f.Type {
	case FrameAddTarget:
		present = f.AddTarget != nil
	case FrameRemoveTarget:
		present = f.RemoveTarget != nil
	case FrameTargetChange:
		present = f.TargetChange != nil
	case FrameDocumentChange:
		present = f.DocumentChange != nil
	case FrameDocumentDelete:
		present = f.DocumentDelete != nil
	case FrameDocumentRemove:
		present = f.DocumentRemove != nil
	case FrameExistenceFilter:
		present = f.Filter != nil
	case FrameHandshake:
		present = f.Handshake != nil
	case FrameWrite:
		present = f.Write != nil
	case FrameWriteResponse:
		present = f.WriteResponse != nil
	case FrameClose:
		present = f.Close != nil
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	if !present {
		return fmt.Errorf("%s frame has no payload", f.Type)
	}
	return nil
}
