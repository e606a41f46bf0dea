package mesh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/dropmesh/dropmesh/interfaces"
)

const (
	// DefaultMaxPayload is the chunk size ceiling a side proposes when
	// not configured otherwise.
	DefaultMaxPayload = 4096

	// DefaultSessionTimeout bounds every suspension point in a session.
	// A session with no progress inside this interval aborts.
	DefaultSessionTimeout = 15 * time.Second
)

// Session is one protocol exchange carrying exactly one fragment
// transfer. It is torn down on completion or abort; the session ID
// doubles as the fragment table's writer token.
type Session struct {
	ID    string
	Peer  interfaces.NodeKey
	state atomic.Int32

	log *slog.Logger
}

// NewSession creates a session against a peer, starting in advertising
// state.
func NewSession(peer interfaces.NodeKey, log *slog.Logger) *Session {
	s := &Session{
		ID:   uuid.New().String(),
		Peer: peer,
		log:  log.With(slog.String("peer", peer.String())),
	}
	s.state.Store(int32(interfaces.SessionAdvertising))
	return s
}

// State returns the current session state.
func (s *Session) State() interfaces.SessionState {
	return interfaces.SessionState(s.state.Load())
}

// transition moves the session forward. Terminal states absorb all
// later transitions so abort paths can fire unconditionally.
func (s *Session) transition(to interfaces.SessionState) {
	for {
		cur := s.state.Load()
		if cur == int32(interfaces.SessionComplete) || cur == int32(interfaces.SessionAborted) {
			return
		}
		if s.state.CompareAndSwap(cur, int32(to)) {
			return
		}
	}
}

// Dispatch runs the initiator side: proposal, chunk stream with
// per-chunk acks, completion check, custody receipt. Every exchange is
// bounded by timeout; a stall surfaces as ErrSessionTimeout.
//
// onTransferred fires once the peer has acknowledged reassembly, before
// the receipt arrives; it marks the window where the blob is with the
// peer but not yet committed. Nil is allowed.
func (s *Session) Dispatch(ctx context.Context, ch interfaces.Channel, proposal Proposal, blob []byte, timeout time.Duration, onTransferred func()) error {
	defer ch.Close()
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	if proposal.MaxPayload <= 0 {
		proposal.MaxPayload = DefaultMaxPayload
	}

	hash := sha256.Sum256(blob)
	proposal.Hash = hash[:]
	proposal.TotalSize = len(blob)

	s.transition(interfaces.SessionHandshaking)

	ack, err := s.handshake(ctx, ch, proposal, timeout)
	if err != nil {
		s.transition(interfaces.SessionAborted)
		return err
	}

	chunkSize := proposal.MaxPayload
	if ack.MaxPayload > 0 && ack.MaxPayload < chunkSize {
		chunkSize = ack.MaxPayload
	}

	s.transition(interfaces.SessionTransferring)

	if err := s.streamChunks(ctx, ch, blob, chunkSize, timeout); err != nil {
		s.transition(interfaces.SessionAborted)
		return err
	}

	if err := s.finish(ctx, ch, timeout); err != nil {
		s.transition(interfaces.SessionAborted)
		return err
	}
	if onTransferred != nil {
		onTransferred()
	}

	if err := s.awaitReceipt(ctx, ch, timeout); err != nil {
		s.transition(interfaces.SessionAborted)
		return err
	}

	s.transition(interfaces.SessionComplete)
	return nil
}

func (s *Session) handshake(ctx context.Context, ch interfaces.Channel, proposal Proposal, timeout time.Duration) (*ProposalAck, error) {
	msg, err := s.exchange(ctx, ch, Message{Type: MsgProposal, Proposal: &proposal}, timeout)
	if err != nil {
		return nil, err
	}
	if msg.Type != MsgProposalAck {
		return nil, fmt.Errorf("%w: expected proposal ack, got %q", interfaces.ErrMalformedTransfer, msg.Type)
	}
	if !msg.ProposalAck.Accept {
		return nil, fmt.Errorf("peer declined proposal: %s", msg.ProposalAck.Reason)
	}
	return msg.ProposalAck, nil
}

func (s *Session) streamChunks(ctx context.Context, ch interfaces.Channel, blob []byte, chunkSize int, timeout time.Duration) error {
	seq := uint32(0)
	for off := 0; off < len(blob); off += chunkSize {
		end := off + chunkSize
		if end > len(blob) {
			end = len(blob)
		}

		msg, err := s.exchange(ctx, ch, Message{
			Type:  MsgChunk,
			Chunk: &Chunk{Seq: seq, Data: blob[off:end]},
		}, timeout)
		if err != nil {
			return err
		}
		if msg.Type != MsgChunkAck {
			return fmt.Errorf("%w: expected chunk ack, got %q", interfaces.ErrMalformedTransfer, msg.Type)
		}
		if msg.ChunkAck.Seq != seq {
			return fmt.Errorf("%w: ack for chunk %d while sending %d", interfaces.ErrMalformedTransfer, msg.ChunkAck.Seq, seq)
		}
		seq++
	}
	return nil
}

func (s *Session) finish(ctx context.Context, ch interfaces.Channel, timeout time.Duration) error {
	msg, err := s.exchange(ctx, ch, Message{Type: MsgComplete, Complete: &Complete{}}, timeout)
	if err != nil {
		return err
	}
	if msg.Type != MsgCompleteAck {
		return fmt.Errorf("%w: expected complete ack, got %q", interfaces.ErrMalformedTransfer, msg.Type)
	}
	if !msg.CompleteAck.OK {
		return fmt.Errorf("%w: peer rejected reassembly: %s", interfaces.ErrMalformedTransfer, msg.CompleteAck.Reason)
	}
	return nil
}

// awaitReceipt waits for the peer's commitment receipt. A transfer is
// only done once the peer has acted on the blob, not once the bytes
// arrived.
func (s *Session) awaitReceipt(ctx context.Context, ch interfaces.Channel, timeout time.Duration) error {
	msg, err := s.recvOne(ctx, ch, timeout)
	if err != nil {
		return err
	}
	if msg.Type != MsgReceipt {
		return fmt.Errorf("%w: expected receipt, got %q", interfaces.ErrMalformedTransfer, msg.Type)
	}
	if !msg.Receipt.OK {
		return fmt.Errorf("peer did not commit: %s", msg.Receipt.Reason)
	}
	return nil
}

// exchange sends one message and waits for the reply, both under the
// session timeout.
func (s *Session) exchange(ctx context.Context, ch interfaces.Channel, msg Message, timeout time.Duration) (Message, error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := EncodeMessage(msg)
	if err != nil {
		return Message{}, err
	}
	if err := ch.Send(stepCtx, data); err != nil {
		return Message{}, mapTimeout(err)
	}

	reply, err := ch.Recv(stepCtx)
	if err != nil {
		return Message{}, mapTimeout(err)
	}
	return DecodeMessage(reply)
}

// Receive runs the responder side: accept or decline the proposal,
// collect chunks in strict sequence order, verify the reassembled blob
// against the proposal hash, commit, and send the receipt. The accept
// callback rejects proposals the node cannot honor (capacity, unknown
// drop); the commit callback acts on the verified blob and gates the
// positive receipt, so the initiator never sees success before the
// responder has committed. A nil commit acks unconditionally. Returns
// the proposal and the verified blob.
func (s *Session) Receive(ctx context.Context, ch interfaces.Channel, maxPayload int, timeout time.Duration, accept func(Proposal) error, commit func(Proposal, []byte) error) (Proposal, []byte, error) {
	defer ch.Close()
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}

	s.transition(interfaces.SessionHandshaking)

	msg, err := s.recvOne(ctx, ch, timeout)
	if err != nil {
		s.transition(interfaces.SessionAborted)
		return Proposal{}, nil, err
	}
	if msg.Type != MsgProposal {
		s.transition(interfaces.SessionAborted)
		return Proposal{}, nil, fmt.Errorf("%w: expected proposal, got %q", interfaces.ErrMalformedTransfer, msg.Type)
	}
	proposal := *msg.Proposal

	if err := accept(proposal); err != nil {
		_ = s.sendOne(ctx, ch, Message{
			Type:        MsgProposalAck,
			ProposalAck: &ProposalAck{Accept: false, Reason: err.Error()},
		}, timeout)
		s.transition(interfaces.SessionAborted)
		return proposal, nil, err
	}

	if err := s.sendOne(ctx, ch, Message{
		Type:        MsgProposalAck,
		ProposalAck: &ProposalAck{Accept: true, MaxPayload: maxPayload},
	}, timeout); err != nil {
		s.transition(interfaces.SessionAborted)
		return proposal, nil, err
	}

	s.transition(interfaces.SessionTransferring)

	blob, err := s.collectChunks(ctx, ch, proposal, timeout)
	if err != nil {
		s.transition(interfaces.SessionAborted)
		return proposal, nil, err
	}

	if commit != nil {
		if err := commit(proposal, blob); err != nil {
			_ = s.sendOne(ctx, ch, Message{
				Type:    MsgReceipt,
				Receipt: &Receipt{OK: false, Reason: err.Error()},
			}, timeout)
			s.transition(interfaces.SessionAborted)
			return proposal, nil, err
		}
	}
	if err := s.sendOne(ctx, ch, Message{Type: MsgReceipt, Receipt: &Receipt{OK: true}}, timeout); err != nil {
		s.transition(interfaces.SessionAborted)
		return proposal, nil, err
	}

	s.transition(interfaces.SessionComplete)
	return proposal, blob, nil
}

// collectChunks reassembles the blob, enforcing strict sequence order.
// A gap or duplicate sequence number is a protocol violation, not a
// retryable condition.
func (s *Session) collectChunks(ctx context.Context, ch interfaces.Channel, proposal Proposal, timeout time.Duration) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, proposal.TotalSize))
	next := uint32(0)

	for {
		msg, err := s.recvOne(ctx, ch, timeout)
		if err != nil {
			return nil, err
		}

		switch msg.Type {
		case MsgChunk:
			chunk := msg.Chunk
			if chunk.Seq != next {
				return nil, fmt.Errorf("%w: chunk %d while expecting %d", interfaces.ErrMalformedTransfer, chunk.Seq, next)
			}
			if buf.Len()+len(chunk.Data) > proposal.TotalSize {
				return nil, fmt.Errorf("%w: reassembly exceeds proposed size %d", interfaces.ErrMalformedTransfer, proposal.TotalSize)
			}
			buf.Write(chunk.Data)

			if err := s.sendOne(ctx, ch, Message{Type: MsgChunkAck, ChunkAck: &ChunkAck{Seq: chunk.Seq}}, timeout); err != nil {
				return nil, err
			}
			next++

		case MsgComplete:
			blob := buf.Bytes()
			hash := sha256.Sum256(blob)
			if buf.Len() != proposal.TotalSize || !bytes.Equal(hash[:], proposal.Hash) {
				_ = s.sendOne(ctx, ch, Message{
					Type:        MsgCompleteAck,
					CompleteAck: &CompleteAck{OK: false, Reason: "reassembly hash mismatch"},
				}, timeout)
				return nil, fmt.Errorf("%w: reassembly hash mismatch", interfaces.ErrMalformedTransfer)
			}
			if err := s.sendOne(ctx, ch, Message{Type: MsgCompleteAck, CompleteAck: &CompleteAck{OK: true}}, timeout); err != nil {
				return nil, err
			}
			return blob, nil

		default:
			return nil, fmt.Errorf("%w: unexpected %q during transfer", interfaces.ErrMalformedTransfer, msg.Type)
		}
	}
}

func (s *Session) sendOne(ctx context.Context, ch interfaces.Channel, msg Message, timeout time.Duration) error {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	if err := ch.Send(stepCtx, data); err != nil {
		return mapTimeout(err)
	}
	return nil
}

func (s *Session) recvOne(ctx context.Context, ch interfaces.Channel, timeout time.Duration) (Message, error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := ch.Recv(stepCtx)
	if err != nil {
		return Message{}, mapTimeout(err)
	}
	return DecodeMessage(data)
}

// mapTimeout converts context expiry into the session timeout sentinel.
func mapTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", interfaces.ErrSessionTimeout, err)
	}
	return err
}
