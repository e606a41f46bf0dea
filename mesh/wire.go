package mesh

import (
	"encoding/json"
	"fmt"

	"github.com/dropmesh/dropmesh/interfaces"
	"github.com/dropmesh/dropmesh/location"
)

// MsgType discriminates protocol messages inside a session.
type MsgType string

const (
	MsgProposal    MsgType = "proposal"
	MsgProposalAck MsgType = "proposal-ack"
	MsgChunk       MsgType = "chunk"
	MsgChunkAck    MsgType = "chunk-ack"
	MsgComplete    MsgType = "complete"
	MsgCompleteAck MsgType = "complete-ack"
	MsgReceipt     MsgType = "receipt"
)

// ProposalKind distinguishes the transfer directions a session can
// carry.
type ProposalKind string

const (
	// ProposalStore asks the responder to take custody of a fragment.
	ProposalStore ProposalKind = "store"
	// ProposalDeliver hands a re-sealed fragment to a collector.
	ProposalDeliver ProposalKind = "deliver"
	// ProposalRelay hands an onion-wrapped blob to a relay, which peels
	// its layer and either forwards the inner blob or stores it. Relay
	// proposals carry no drop ID; a relay learns only the next hop.
	ProposalRelay ProposalKind = "relay"
)

// Proposal opens a session: what is being transferred and how to verify
// it. The hash commits the sender to the full blob before the first
// chunk, so the responder can reject a mismatched reassembly without
// trusting chunk acks.
type Proposal struct {
	Kind       ProposalKind        `json:"kind"`
	DropID     interfaces.DropID   `json:"drop_id"`
	Index      uint8               `json:"index"`
	TotalSize  int                 `json:"total_size"`
	Hash       []byte              `json:"hash"`
	MaxPayload int                 `json:"max_payload"`
	Challenge  *location.Challenge `json:"challenge,omitempty"`
}

// ProposalAck accepts or declines a proposal. MaxPayload is the
// responder's ceiling; the effective chunk size is the smaller of the
// two sides' values.
type ProposalAck struct {
	Accept     bool   `json:"accept"`
	Reason     string `json:"reason,omitempty"`
	MaxPayload int    `json:"max_payload"`
}

// Chunk carries one slice of the fragment blob.
type Chunk struct {
	Seq  uint32 `json:"seq"`
	Data []byte `json:"data"`
}

// ChunkAck acknowledges one chunk by sequence number.
type ChunkAck struct {
	Seq uint32 `json:"seq"`
}

// Complete closes the transfer after the last chunk ack.
type Complete struct{}

// CompleteAck reports the responder's reassembly verdict. OK means the
// reassembled blob matched the proposal hash.
type CompleteAck struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// Receipt is the responder's commitment receipt, sent after it has
// acted on the verified blob: persisted custody, routed a delivery, or
// forwarded a relay layer downstream. The initiator treats a missing or
// negative receipt as a failed transfer.
type Receipt struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// Message is the wire envelope. Exactly one payload field matching Type
// is set.
type Message struct {
	Type        MsgType      `json:"type"`
	Proposal    *Proposal    `json:"proposal,omitempty"`
	ProposalAck *ProposalAck `json:"proposal_ack,omitempty"`
	Chunk       *Chunk       `json:"chunk,omitempty"`
	ChunkAck    *ChunkAck    `json:"chunk_ack,omitempty"`
	Complete    *Complete    `json:"complete,omitempty"`
	CompleteAck *CompleteAck `json:"complete_ack,omitempty"`
	Receipt     *Receipt     `json:"receipt,omitempty"`
}

// EncodeMessage serializes a wire message.
func EncodeMessage(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// DecodeMessage parses a wire message and checks the envelope carries
// the payload its type claims.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", interfaces.ErrMalformedTransfer, err)
	}

	ok := false
	switch msg.Type {
	case MsgProposal:
		ok = msg.Proposal != nil
	case MsgProposalAck:
		ok = msg.ProposalAck != nil
	case MsgChunk:
		ok = msg.Chunk != nil
	case MsgChunkAck:
		ok = msg.ChunkAck != nil
	case MsgComplete:
		ok = msg.Complete != nil
	case MsgCompleteAck:
		ok = msg.CompleteAck != nil
	case MsgReceipt:
		ok = msg.Receipt != nil
	}
	if !ok {
		return Message{}, fmt.Errorf("%w: envelope type %q without matching payload", interfaces.ErrMalformedTransfer, msg.Type)
	}
	return msg, nil
}
