package auth

// Permissions captures the action grants attached to an authenticated user.
type Permissions struct {
	CanCreate        bool `json:"can_create"`
	CanEdit          bool `json:"can_edit"`
	CanDelete        bool `json:"can_delete"`
	CanApprove       bool `json:"can_approve"`
	CanBulkOperation bool `json:"can_bulk_operation"`
}

// Identity is the authenticated principal attached to every coordinator
// call. It is resolved once by the session layer; downstream components
// never consult the token again.
type Identity struct {
	UserID      string
	Domain      string
	Permissions Permissions
}
