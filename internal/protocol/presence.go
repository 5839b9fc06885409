package protocol

// Presence statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ContactStatus is one entry of a status_update batch. LastSeen is null for
// unknown users.
type ContactStatus struct {
	UserID   ID      `json:"user_id"`
	Status   string  `json:"status"`
	LastSeen *string `json:"last_seen"`
}

// StatusUpdate is the data of a status_update frame.
type StatusUpdate struct {
	Contacts []ContactStatus `json:"contacts"`
}

// ContactStatusChange is the data of a contact_status frame.
type ContactStatusChange struct {
	UserID    ID      `json:"user_id"`
	Status    string  `json:"status"`
	Timestamp string  `json:"timestamp"`
	LastSeen  *string `json:"last_seen"`
}
