// Package discrepancy closes disputed handoffs. It holds the business policy
// for who may resolve a count mismatch and forwards to the custody state
// machine for the transition itself.
package discrepancy

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"scriptcustody/auth"
	"scriptcustody/custody"
)

// Transfers is the read access the resolver needs.
type Transfers interface {
	Transfer(ctx context.Context, transferID string) (custody.Transfer, error)
	TransfersByStatus(ctx context.Context, status custody.TransferStatus, limit int) ([]custody.Transfer, error)
}

// StateMachine applies the resolve transition.
type StateMachine interface {
	Resolve(ctx context.Context, params custody.ResolveParams) (custody.Transfer, error)
}

type Resolver struct {
	transfers Transfers
	machine   StateMachine
	policy    Policy
	logger    *zap.Logger
}

func NewResolver(transfers Transfers, machine StateMachine) *Resolver {
	return &Resolver{
		transfers: transfers,
		machine:   machine,
		policy:    AdminOnly,
		logger:    zap.NewNop(),
	}
}

func (r *Resolver) WithPolicy(policy Policy) *Resolver {
	if policy != nil {
		r.policy = policy
	}
	return r
}

func (r *Resolver) WithLogger(logger *zap.Logger) *Resolver {
	if logger != nil {
		r.logger = logger
	}
	return r
}

type ResolveParams struct {
	TransferID     string
	Actor          auth.Actor
	ResolutionNote string
}

// Resolve validates the note and the policy before handing over to the
// state machine. Custody stays with the original recipient.
func (r *Resolver) Resolve(ctx context.Context, params ResolveParams) (custody.Transfer, error) {
	note := strings.TrimSpace(params.ResolutionNote)
	if note == "" {
		return custody.Transfer{}, &custody.PreconditionError{Err: custody.ErrMissingResolutionNote, TransferID: params.TransferID}
	}

	t, err := r.transfers.Transfer(ctx, params.TransferID)
	if err != nil {
		return custody.Transfer{}, err
	}
	if err := r.policy.Authorize(params.Actor, t); err != nil {
		r.logger.Warn("discrepancy resolution refused",
			zap.String("transfer_id", t.ID),
			zap.String("actor_id", params.Actor.ID),
			zap.String("role", string(params.Actor.Role)),
		)
		return custody.Transfer{}, err
	}

	resolved, err := r.machine.Resolve(ctx, custody.ResolveParams{
		TransferID:     t.ID,
		Actor:          params.Actor,
		ResolutionNote: note,
	})
	if err != nil {
		return custody.Transfer{}, err
	}
	return resolved, nil
}

// ListOpen returns unresolved discrepancies, oldest first.
func (r *Resolver) ListOpen(ctx context.Context, limit int) ([]Record, error) {
	transfers, err := r.transfers.TransfersByStatus(ctx, custody.StatusDisputedDiscrepancy, limit)
	if err != nil {
		return nil, fmt.Errorf("discrepancy: list open: %w", err)
	}
	out := make([]Record, 0, len(transfers))
	for _, t := range transfers {
		out = append(out, recordFrom(t))
	}
	return out, nil
}
