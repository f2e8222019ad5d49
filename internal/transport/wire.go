package transport

import "github.com/google/uuid"

// ProtocolVersion is the transport's major wire version. Mismatched
// major versions close the session per the HELLO/HELLO_ACK contract.
const ProtocolVersion = 1

// Hello is the HELLO/HELLO_ACK payload exchanged on session setup.
type Hello struct {
	Identity   uuid.UUID `json:"identity"`
	ListenAddr string    `json:"listen_addr"`
	Version    int       `json:"version"`
	Features   []string  `json:"features"`
}

// GossipEntry is one peer's advertised liveness state in a GOSSIP
// frame's alive-set.
type GossipEntry struct {
	Identity     uuid.UUID `json:"identity"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	LastSeenUnix int64     `json:"last_seen_unix"`
}

// GossipPayload is the body of a GOSSIP frame: the sender's local
// alive-set.
type GossipPayload struct {
	Entries []GossipEntry `json:"entries"`
}

// ControlMsgID uniquely identifies a control message for de-dup via the
// recent-message set: (origin_identity, monotonic_seq).
type ControlMsgID struct {
	Origin uuid.UUID `json:"origin"`
	Seq    uint64    `json:"seq"`
}

// ControlPayload is the body of a CONTROL frame.
type ControlPayload struct {
	MsgID         ControlMsgID `json:"msg_id"`
	HopsRemaining int          `json:"hops_remaining"`
	Kind          string       `json:"kind"`
	Body          []byte       `json:"body"`
}

// SnapshotReqPayload requests a remote snapshot for aggregation.
type SnapshotReqPayload struct {
	RequestID string    `json:"request_id"`
	Requester uuid.UUID `json:"requester"`
}

// SnapshotRespPayload carries a peer's serialized local snapshot back
// to the requester.
type SnapshotRespPayload struct {
	RequestID string `json:"request_id"`
	Snapshot  []byte `json:"snapshot"`
}
