package auth

import "context"

type Role string

const (
	RoleAdmin       Role = "admin"
	RoleInvigilator Role = "invigilator"
	RoleLecturer    Role = "lecturer"
	RoleStaff       Role = "staff"
)

// Actor is the authenticated identity performing a custody operation.
// Identity is owned by an external system; the protocol only sees the
// opaque id and the role.
type Actor struct {
	ID   string
	Role Role
}

// IsAdmin reports whether the actor carries the elevated override role.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

type actorKey struct{}

// WithActor returns a child context carrying the actor.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom extracts the actor stored by WithActor.
func ActorFrom(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}

func isValidRole(role Role) bool {
	switch role {
	case RoleAdmin, RoleInvigilator, RoleLecturer, RoleStaff:
		return true
	default:
		return false
	}
}
