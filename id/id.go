// Package id holds the identifiers of the calibration service. Every
// identifier is a TypeID: a UUIDv7 suffix behind a short prefix naming the
// entity, so "job_01h2xcejqtf2nbrexx3vqjhp41" is a job and sorts by
// creation time.
package id

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix names the entity an ID belongs to.
type Prefix string

const (
	PrefixJob        Prefix = "job"
	PrefixBatch      Prefix = "batch"
	PrefixHandle     Prefix = "exec" // one dispatch of a job
	PrefixWorker     Prefix = "wkr"
	PrefixSubscriber Prefix = "sub"
)

// ID is a prefixed identifier. The zero value is Nil, which renders as the
// empty string and is what an absent optional reference decodes to.
//
//nolint:recvcheck // UnmarshalText needs a pointer receiver.
type ID struct {
	tid typeid.TypeID
	set bool
}

// Nil is the empty ID.
var Nil ID

// The aliases document which entity a field refers to.
type (
	JobID        = ID
	BatchID      = ID
	HandleID     = ID
	WorkerID     = ID
	SubscriberID = ID
)

// New returns a fresh ID with prefix p. An invalid prefix is a
// programming error and panics.
func New(p Prefix) ID {
	tid, err := typeid.Generate(string(p))
	if err != nil {
		panic(fmt.Sprintf("id: generate %q: %v", p, err))
	}
	return ID{tid: tid, set: true}
}

func NewJobID() JobID               { return New(PrefixJob) }
func NewBatchID() BatchID           { return New(PrefixBatch) }
func NewHandleID() HandleID         { return New(PrefixHandle) }
func NewWorkerID() WorkerID         { return New(PrefixWorker) }
func NewSubscriberID() SubscriberID { return New(PrefixSubscriber) }

// Parse reads any TypeID string.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: empty identifier")
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{tid: tid, set: true}, nil
}

// ParseAs reads s and requires its prefix to be want.
func ParseAs(s string, want Prefix) (ID, error) {
	v, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if got := v.Prefix(); got != want {
		return Nil, fmt.Errorf("id: %q is a %s id, want %s", s, got, want)
	}
	return v, nil
}

func ParseJobID(s string) (JobID, error)       { return ParseAs(s, PrefixJob) }
func ParseBatchID(s string) (BatchID, error)   { return ParseAs(s, PrefixBatch) }
func ParseHandleID(s string) (HandleID, error) { return ParseAs(s, PrefixHandle) }

// String returns "prefix_suffix", or "" for Nil.
func (i ID) String() string {
	if !i.set {
		return ""
	}
	return i.tid.String()
}

// Prefix returns the entity prefix, or "" for Nil.
func (i ID) Prefix() Prefix {
	if !i.set {
		return ""
	}
	return Prefix(i.tid.Prefix())
}

// IsNil reports whether i is the empty ID.
func (i ID) IsNil() bool { return !i.set }

// MarshalText renders Nil as an empty string.
func (i ID) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

// UnmarshalText accepts an empty string as Nil.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	v, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = v
	return nil
}
