package auth

// Roles carried in ledger API tokens.
const (
	RoleAdmin    = "admin"
	RoleApprover = "approver"
	RoleCurator  = "curator"
	RoleViewer   = "viewer"
)

// Principal is the interface for any entity making a request (operator, approver, service).
type Principal interface {
	GetID() string
	GetRoles() []string
	// GetAddress is the signing address bound to the principal, if any.
	GetAddress() string
	HasRole(role string) bool
}

// BasePrincipal is a simple implementation of Principal.
type BasePrincipal struct {
	ID      string
	Roles   []string
	Address string
}

func (b *BasePrincipal) GetID() string {
	return b.ID
}

func (b *BasePrincipal) GetRoles() []string {
	return b.Roles
}

func (b *BasePrincipal) GetAddress() string {
	return b.Address
}

// HasRole reports whether the principal holds role. Admins hold every role and
// any role implies viewer.
func (b *BasePrincipal) HasRole(role string) bool {
	if role == RoleViewer && len(b.Roles) > 0 {
		return true
	}
	for _, r := range b.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}
