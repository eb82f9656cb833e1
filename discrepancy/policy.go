package discrepancy

import (
	"scriptcustody/auth"
	"scriptcustody/custody"
)

// Policy decides whether an actor may close a disputed transfer.
type Policy interface {
	Authorize(actor auth.Actor, t custody.Transfer) error
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(actor auth.Actor, t custody.Transfer) error

func (f PolicyFunc) Authorize(actor auth.Actor, t custody.Transfer) error {
	return f(actor, t)
}

// AdminOnly lets any administrator close a discrepancy.
var AdminOnly Policy = PolicyFunc(func(actor auth.Actor, t custody.Transfer) error {
	if !actor.IsAdmin() {
		return denied(t)
	}
	return nil
})

// IndependentAdmin additionally refuses administrators who were a party to
// the handoff they would be closing.
var IndependentAdmin Policy = PolicyFunc(func(actor auth.Actor, t custody.Transfer) error {
	if err := AdminOnly.Authorize(actor, t); err != nil {
		return err
	}
	if actor.ID == t.FromHandler || actor.ID == t.ToHandler || actor.ID == t.InitiatedBy {
		return denied(t)
	}
	return nil
})

func denied(t custody.Transfer) error {
	return &custody.PreconditionError{
		Err:            custody.ErrNotAuthorized,
		BatchID:        t.BatchID,
		TransferID:     t.ID,
		TransferStatus: t.Status,
	}
}
