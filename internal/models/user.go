package models

// Role is the role carried by a control-surface token.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// Claims represents JWT claims
type Claims struct {
	Subject string `json:"sub"`
	Role    Role   `json:"role"`
	Exp     int64  `json:"exp"`
}

// IsValidRole checks if a role is valid
func IsValidRole(role Role) bool {
	switch role {
	case RoleAdmin, RoleOperator, RoleViewer:
		return true
	default:
		return false
	}
}

// CanControlSimulation reports whether the role may start, stop or restart
// the simulation.
func (r Role) CanControlSimulation() bool {
	return r == RoleAdmin || r == RoleOperator
}
