package auth

// Scopes a trainer token may carry.
const (
	// ScopeAccessManage allows reconciling and revoking student access.
	ScopeAccessManage = "students:access"
)
