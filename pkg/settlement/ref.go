package settlement

import (
	"errors"
	"strings"
)

// RefSeparator splits an action id from a recipient id in a settlement
// reference. Action ids must not contain it.
const RefSeparator = ":"

var ErrInvalidRef = errors.New("settlement: invalid reference")

// Ref identifies what a settlement callback is about: a whole action, or one
// recipient of a split action.
type Ref struct {
	ActionID    string
	RecipientID string
}

func (r Ref) String() string {
	if r.RecipientID == "" {
		return r.ActionID
	}
	return r.ActionID + RefSeparator + r.RecipientID
}

// HasRecipient reports whether the reference targets a single split recipient.
func (r Ref) HasRecipient() bool {
	return r.RecipientID != ""
}

// ParseRef reads "<actionId>" or "<actionId>:<recipientId>". The recipient
// part may itself contain the separator.
func ParseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Ref{}, ErrInvalidRef
	}

	actionID, recipientID, found := strings.Cut(s, RefSeparator)
	if actionID == "" || (found && recipientID == "") {
		return Ref{}, ErrInvalidRef
	}
	return Ref{ActionID: actionID, RecipientID: recipientID}, nil
}
