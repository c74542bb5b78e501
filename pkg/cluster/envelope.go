package cluster

import (
	"encoding/json"

	"github.com/collie-store/collie/pkg/types"
)

// Envelope is the unit every driver replicates: a membership event or an
// opaque notify payload, stamped with its originator.
type Envelope struct {
	Kind    string     `json:"kind"`
	Sender  types.Node `json:"sender"`
	Payload []byte     `json:"payload,omitempty"`
}

const (
	kindNotify = "notify"
	kindJoin   = "join"
	kindLeave  = "leave"
	kindUpdate = "update"
)

func encodeEnvelope(kind string, sender types.Node, payload []byte) []byte {
	b, _ := json.Marshal(Envelope{Kind: kind, Sender: sender, Payload: payload})
	return b
}

func decodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(b, &env)
	return env, err
}
