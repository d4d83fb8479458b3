package gamedto

// ClientCommand is the inbound frame read from a client socket. Type selects
// which of the optional fields matter. The authenticated player id is attached
// by the gateway, never trusted from the frame.
type ClientCommand struct {
	Type     string `json:"type"` // join_queue, leave_queue, move, forfeit, cancel, heartbeat, resync
	MatchID  string `json:"matchId,omitempty"`
	Position int    `json:"position,omitempty"`
}

// ServerFrame wraps every outbound notification with its kind so clients can
// switch on a single field.
type ServerFrame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}
