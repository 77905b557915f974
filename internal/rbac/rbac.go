package rbac

// Role constants
const (
	RoleAdmin   = "admin"
	RoleSupport = "support"
	RoleUser    = "user"
)

// Permission constants
const (
	PermViewMetrics   = "view_metrics"
	PermViewFailed    = "view_failed_transactions"
	PermViewStatus    = "view_transaction_status"
	PermSendToken     = "send_token"
	PermSimulateToken = "simulate_token"
	PermRetryQueue    = "retry_queue"
)

// RolePermissions defines what each role can do.
var RolePermissions = map[string][]string{
	RoleAdmin: {
		PermViewMetrics, PermViewFailed, PermViewStatus,
		PermSendToken, PermSimulateToken, PermRetryQueue,
	},
	RoleSupport: {
		PermViewMetrics, PermViewFailed, PermViewStatus, PermSendToken,
		// Support CANNOT: PermSimulateToken, PermRetryQueue
	},
	RoleUser: {
		PermViewStatus,
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role, permission string) bool {
	perms, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}

// IsMutatingOperation checks if permission changes ledger state (admin-only).
func IsMutatingOperation(permission string) bool {
	return permission == PermSimulateToken || permission == PermRetryQueue
}
