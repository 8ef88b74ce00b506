// Package registry implements the activation-state registry: a single
// JSON document per environment, read and written under the document's
// file lock, per spec.md §3/§4.2.
package registry

import (
	"strconv"
	"strings"

	"github.com/flox/flactivate/internal/clock"
)

// keySeparator joins a StartIdentifier's store path and timestamp into
// the map key used internally for Attachments/Ready. Nix store paths
// never contain this character, so splitting on its last occurrence is
// unambiguous.
const keySeparator = "\x00"

// CurrentVersion is the schema version this build writes and the
// highest version it knows how to read.
const CurrentVersion = 1

// Mode is the activation mode recorded in a state document. It is
// immutable for the life of the document (spec.md §3 invariant 5).
type Mode string

const (
	ModeDev Mode = "dev"
	ModeRun Mode = "run"
)

// StartIdentifier is the identity of a particular activation attempt
// within a state document: a store path and the millisecond timestamp
// at which it was minted. Ordering is by TimestampMs, ties broken by
// StorePath string order (spec.md §3).
type StartIdentifier struct {
	StorePath   string `json:"store_path"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// Equal reports whether two identifiers name the same start.
func (s StartIdentifier) Equal(o StartIdentifier) bool {
	return s.StorePath == o.StorePath && s.TimestampMs == o.TimestampMs
}

// Less orders identifiers by timestamp, then store path, as spec.md §3
// requires.
func (s StartIdentifier) Less(o StartIdentifier) bool {
	if s.TimestampMs != o.TimestampMs {
		return s.TimestampMs < o.TimestampMs
	}
	return s.StorePath < o.StorePath
}

// String is the internal map key used for Attachments/Ready; it is not
// the on-disk directory name (see StartDir for that).
func (s StartIdentifier) String() string {
	return s.StorePath + keySeparator + strconv.FormatInt(s.TimestampMs, 10)
}

// parseStartID is the inverse of StartIdentifier.String.
func parseStartID(key string) StartIdentifier {
	idx := strings.LastIndex(key, keySeparator)
	if idx < 0 {
		return StartIdentifier{}
	}
	ts, _ := strconv.ParseInt(key[idx+len(keySeparator):], 10, 64)
	return StartIdentifier{StorePath: key[:idx], TimestampMs: ts}
}

// Attachment is a claim that a shell process is using a particular
// activation. ExpiresAtMs is nil for an ordinary attachment (no grace
// period); it is set for in-place activations, whose shell exits before
// the eval completes (spec.md §3).
type Attachment struct {
	PID         int    `json:"pid"`
	ExpiresAtMs *int64 `json:"expires_at_ms,omitempty"`
}

// Expired reports whether the attachment's grace period has elapsed as
// of now. An attachment with no expiration never expires on its own;
// it is only removed once its PID is observed dead. The boundary is
// exclusive: an expiration equal to now counts as expired (spec.md §8
// boundary behaviours).
func (a Attachment) Expired(now int64) bool {
	return a.ExpiresAtMs != nil && *a.ExpiresAtMs <= now
}

// Starting records an in-progress Start: the identifier being started
// and the PID of the invocation that owns it.
type Starting struct {
	StartID  StartIdentifier `json:"start_id"`
	OwnerPID int             `json:"owner_pid"`
}

// State is the activation-state document (spec.md §3). A single State
// is stored as state.json per environment.
type State struct {
	Version      int                     `json:"version"`
	Mode         Mode                    `json:"mode"`
	ExecutivePID int                     `json:"executive_pid,omitempty"`
	Active       *StartIdentifier        `json:"active,omitempty"`
	StartingNow  *Starting               `json:"starting,omitempty"`
	Attachments  map[string][]Attachment `json:"attachments"`
	Ready        map[string]bool         `json:"ready"`
}

// New constructs a fresh ActivationState for an environment that has no
// existing document, per spec.md §3 "Lifecycle" and §8 "Empty
// attachment list on first read".
func New(mode Mode) *State {
	return &State{
		Version:     CurrentVersion,
		Mode:        mode,
		Attachments: make(map[string][]Attachment),
		Ready:       make(map[string]bool),
	}
}

// ExecutiveRunning reports whether the recorded executive PID (if any)
// is alive. A document with no recorded executive PID is never
// "running". This is the key policy gate of spec.md §4.2: callers must
// check this before trusting any other field.
func (s *State) ExecutiveRunning(c clock.Clock) bool {
	if s.ExecutivePID == 0 {
		return false
	}
	return c.PIDAlive(s.ExecutivePID)
}

// SetReady marks start as having completed its on-activate hook
// successfully. Once set, Ready is monotonic for the life of the
// document (spec.md §8 property 4) — SetReady never unsets a start.
func (s *State) SetReady(id StartIdentifier) {
	if s.Ready == nil {
		s.Ready = make(map[string]bool)
	}
	s.Ready[id.String()] = true
}

// IsReady reports whether start has completed its on-activate hook.
func (s *State) IsReady(id StartIdentifier) bool {
	return s.Ready[id.String()]
}

// AttachmentsFor returns a read-only projection of the attachments
// recorded for id, in insertion order.
func (s *State) AttachmentsFor(id StartIdentifier) []Attachment {
	return append([]Attachment(nil), s.Attachments[id.String()]...)
}

// AttachmentsByStartID returns a read-only projection of every start's
// attachment list, used by tests and the watcher (spec.md §4.2).
func (s *State) AttachmentsByStartID() map[StartIdentifier][]Attachment {
	out := make(map[StartIdentifier][]Attachment, len(s.Attachments))
	for k, v := range s.Attachments {
		out[parseStartID(k)] = append([]Attachment(nil), v...)
	}
	return out
}

// AddAttachment appends pid to id's attachment list. If pid is already
// attached to id, this is a no-op on list length (spec.md §8 property
// 3, "attach idempotence-on-dup-pid") — the existing entry's
// expiration is left untouched unless expiresAtMs is non-nil, in
// which case it is updated in place.
func (s *State) AddAttachment(id StartIdentifier, pid int, expiresAtMs *int64) {
	key := id.String()
	if s.Attachments == nil {
		s.Attachments = make(map[string][]Attachment)
	}
	for i, a := range s.Attachments[key] {
		if a.PID == pid {
			if expiresAtMs != nil {
				s.Attachments[key][i].ExpiresAtMs = expiresAtMs
			}
			return
		}
	}
	s.Attachments[key] = append(s.Attachments[key], Attachment{PID: pid, ExpiresAtMs: expiresAtMs})
}

// ReplaceAttachment swaps oldPID for newPID within id's attachment
// list, carrying over (or overwriting, if expiresAtMs is non-nil) the
// expiration. It fails if oldPID is not currently attached to id — used
// by the attach subcommand (spec.md §4.2).
func (s *State) ReplaceAttachment(id StartIdentifier, oldPID, newPID int, expiresAtMs *int64) bool {
	key := id.String()
	for i, a := range s.Attachments[key] {
		if a.PID == oldPID {
			s.Attachments[key][i].PID = newPID
			if expiresAtMs != nil {
				s.Attachments[key][i].ExpiresAtMs = expiresAtMs
			}
			return true
		}
	}
	return false
}

// PruneAttachments removes attachments for id whose PID is dead and
// whose expiration (if any) has elapsed, per spec.md §4.6 "Pruning
// rules". It returns the number of attachments remaining for id after
// pruning.
func (s *State) PruneAttachments(id StartIdentifier, c clock.Clock, nowMs int64) int {
	key := id.String()
	live := s.Attachments[key][:0]
	for _, a := range s.Attachments[key] {
		dead := !c.PIDAlive(a.PID)
		if dead && a.Expired(nowMs) {
			continue
		}
		if dead && a.ExpiresAtMs == nil {
			continue
		}
		live = append(live, a)
	}
	if len(live) == 0 {
		delete(s.Attachments, key)
		delete(s.Ready, key)
		return 0
	}
	s.Attachments[key] = live
	return len(live)
}

// RemoveStart drops every record of id: its attachments and its ready
// bit. Used once the watcher has decided to clean up.
func (s *State) RemoveStart(id StartIdentifier) {
	key := id.String()
	delete(s.Attachments, key)
	delete(s.Ready, key)
	if s.Active != nil && s.Active.Equal(id) {
		s.Active = nil
	}
}
