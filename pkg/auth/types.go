package auth

// Principal is the interface for any entity making a request (user,
// service account, agent).
type Principal interface {
	GetID() string
	GetType() string
	GetTenantID() string
	GetRoles() []string
	GetTeams() []string
}

// BasePrincipal is a simple implementation of Principal.
type BasePrincipal struct {
	ID       string
	Type     string
	TenantID string
	Roles    []string
	Teams    []string
}

func (b *BasePrincipal) GetID() string {
	return b.ID
}

func (b *BasePrincipal) GetType() string {
	if b.Type == "" {
		return "human"
	}
	return b.Type
}

func (b *BasePrincipal) GetTenantID() string {
	return b.TenantID
}

func (b *BasePrincipal) GetRoles() []string {
	return b.Roles
}

func (b *BasePrincipal) GetTeams() []string {
	return b.Teams
}
