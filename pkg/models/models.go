package models

// User maps an externally supplied email to its assigned identity.
type User struct {
	Email  string `json:"email"`
	UserID uint64 `json:"user_id"`
}

// LockStatus is the result of a path lock acquisition attempt. When the
// lock is granted Collaborators lists the top directory's other editors
// so the client can notify them of the edit; when it is refused Holder
// names the current owner.
type LockStatus struct {
	Acquired      bool     `json:"acquired"`
	Holder        string   `json:"holder,omitempty"`
	Collaborators []string `json:"collaborators,omitempty"`
}
