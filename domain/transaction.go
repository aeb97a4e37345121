package domain

import (
	"encoding/json"
	"time"
)

// TransactionState tracks a two-phase-commit transaction through its
// lifecycle. Committed and aborted are terminal.
type TransactionState string

const (
	TxInitiated  TransactionState = "initiated"
	TxPreparing  TransactionState = "preparing"
	TxPrepared   TransactionState = "prepared"
	TxCommitting TransactionState = "committing"
	TxCommitted  TransactionState = "committed"
	TxAborting   TransactionState = "aborting"
	TxAborted    TransactionState = "aborted"
)

// Terminal reports whether no further state transitions are permitted.
func (s TransactionState) Terminal() bool {
	return s == TxCommitted || s == TxAborted
}

// Participant identifies one party of a distributed transaction. Path is
// the base path on the participant service; the coordinator appends
// /prepare, /commit and /abort to it.
type Participant struct {
	Service string `json:"service"`
	Path    string `json:"path"`
}

// Transaction is the coordinator's record of one 2PC run.
type Transaction struct {
	ID           string           `json:"id"`
	Type         string           `json:"type"`
	Participants []Participant    `json:"participants"`
	State        TransactionState `json:"state"`
	Payload      json.RawMessage  `json:"payload,omitempty"`
	StartedAt    time.Time        `json:"startedAt"`
	CompletedAt  time.Time        `json:"completedAt,omitzero"`
	// AbortedBy names the participant whose prepare failure caused the
	// abort, when the transaction did not commit.
	AbortedBy string `json:"abortedBy,omitempty"`
}
