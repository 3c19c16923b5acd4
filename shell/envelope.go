package shell

import "encoding/json"

// Envelope wraps a message for json-mode forwards and the team-chat wire
// format. Terminals receiving a json forward get the envelope verbatim in
// their new inbox.
type Envelope struct {
	Message string `json:"message"`
	Dest    string `json:"dest"`
	Sender  string `json:"sender"`
	Purpose string `json:"purpose"`
}

// Encode renders the envelope as JSON.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
