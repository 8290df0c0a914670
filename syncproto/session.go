// Package syncproto runs the peer-to-peer transaction exchange over any transport channel.
//
// A session is a signed hello/hello_ack handshake carrying per-origin sequence
// watermarks, then each side in turn streams the transactions the other lacks
// in acknowledged batches. The initiator sends first. Merges are idempotent,
// so an aborted session leaves every acknowledged batch applied and the rest is
// offered again next time.
package syncproto

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshledger/models"
	"meshledger/queue"
	"meshledger/transport"
)

const (
	// DefaultBatchSize matches the queue's own batch constant.
	DefaultBatchSize = 50
	// DefaultMaxBatches bounds how many batches one side may send in a session.
	DefaultMaxBatches = 100
)

// State is the per-connection protocol state.
type State string

const (
	StateIdle              State = "idle"
	StateHandshaking       State = "handshaking"
	StateExchangingBatches State = "exchanging_batches"
	StateVerifyingProofs   State = "verifying_proofs"
	StateReconciled        State = "reconciled"
	StateAborted           State = "aborted"
)

// Queue is what a session reads offers from and merges into.
type Queue interface {
	Watermarks() map[string]uint64
	Offer(peerWatermarks map[string]uint64) []models.PendingTransaction
	Merge(remote models.PendingTransaction) (queue.MergeResult, error)
	// PinPeerKey returns queue.ErrKeyChanged when deviceID is pinned to another key.
	PinPeerKey(deviceID string, publicKey ed25519.PublicKey) error
}

// PeerClaim reserves the one session slot of a peer once the handshake names it.
// It returns false when another session with that peer is in progress.
type PeerClaim func(peerID string) bool

// Options configures a Protocol.
type Options struct {
	DeviceID   string
	BatchSize  int
	MaxBatches int
	// MaxFrameSize bounds one encoded message. Defaults to transport.MaxFrameSize.
	MaxFrameSize int
	Logger       *slog.Logger
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxBatches <= 0 {
		o.MaxBatches = DefaultMaxBatches
	}
	if o.MaxFrameSize <= 0 || o.MaxFrameSize > transport.MaxFrameSize {
		o.MaxFrameSize = transport.MaxFrameSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

var (
	// errLocalReject marks identity failures detected on this side.
	errLocalReject = fmt.Errorf("%w: identity check failed", ErrPeerRejected)
	errRemoteAbort = errors.New("aborted by peer")
)

// Report summarizes one session.
type Report struct {
	SessionID string
	PeerID    string
	State     State
	Sent      int
	Received  int
	Accepted  int
	Duplicate int
	Rejected  int
}

// Protocol creates sessions bound to one device identity and queue.
type Protocol struct {
	queue  Queue
	signer Signer
	opts   Options
	log    *slog.Logger
}

// New builds a Protocol.
func New(q Queue, signer Signer, opts Options) (*Protocol, error) {
	if q == nil {
		return nil, errors.New("queue is required")
	}
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	opts = opts.withDefaults()
	if opts.DeviceID == "" {
		return nil, errors.New("device ID is required")
	}
	return &Protocol{queue: q, signer: signer, opts: opts, log: opts.Logger.With("component", "syncproto")}, nil
}

type session struct {
	p      *Protocol
	ch     transport.Channel
	claim  PeerClaim
	log    *slog.Logger
	report Report

	mu    sync.Mutex
	state State

	peerWatermarks map[string]uint64
}

func (p *Protocol) newSession(ch transport.Channel, claim PeerClaim) *session {
	return &session{
		p:      p,
		ch:     ch,
		claim:  claim,
		log:    p.log.With("peer_id", ch.PeerID()),
		state:  StateIdle,
		report: Report{PeerID: ch.PeerID()},
	}
}

func (s *session) setState(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.Debug("session state", "from", s.state, "to", next)
	s.state = next
	s.report.State = next
}

// Initiate runs a session as the connecting side.
func (p *Protocol) Initiate(ctx context.Context, ch transport.Channel) (Report, error) {
	s := p.newSession(ch, nil)
	s.report.SessionID = uuid.NewString()
	err := s.runInitiator(ctx)
	return s.finish(ctx, err)
}

// Respond runs a session as the accepting side. When ch only knows the remote
// address, claim is asked for the slot of the device named in the hello; a nil
// claim accepts every peer.
func (p *Protocol) Respond(ctx context.Context, ch transport.Channel, claim PeerClaim) (Report, error) {
	s := p.newSession(ch, claim)
	err := s.runResponder(ctx)
	return s.finish(ctx, err)
}

func (s *session) runInitiator(ctx context.Context) error {
	s.setState(StateHandshaking)
	hello, err := buildHello(s.p.signer, TypeHello, s.report.SessionID, s.p.opts.DeviceID, s.p.queue.Watermarks(), s.p.opts.Now().UnixMilli())
	if err != nil {
		return err
	}
	if err := s.send(ctx, hello); err != nil {
		return err
	}

	payload, env, err := s.receive(ctx)
	if err != nil {
		return err
	}
	if env.Type != TypeHelloAck {
		return fmt.Errorf("%w: expected %s, got %s", ErrSync, TypeHelloAck, env.Type)
	}
	var ack Hello
	if err := json.Unmarshal(payload, &ack); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrSync, TypeHelloAck, err)
	}
	peerKey, err := verifyHello(s.p.signer, ack)
	if err != nil {
		return err
	}
	if ack.SessionID != s.report.SessionID {
		return fmt.Errorf("%w: session mismatch", errLocalReject)
	}
	if err := s.bindPeer(ack.DeviceID, peerKey); err != nil {
		return err
	}
	s.peerWatermarks = ack.Watermarks

	s.setState(StateExchangingBatches)
	if err := s.sendBatches(ctx); err != nil {
		return err
	}
	return s.receiveBatches(ctx)
}

func (s *session) runResponder(ctx context.Context) error {
	s.setState(StateHandshaking)
	payload, env, err := s.receive(ctx)
	if err != nil {
		return err
	}
	if env.Type != TypeHello {
		return fmt.Errorf("%w: expected %s, got %s", ErrSync, TypeHello, env.Type)
	}
	var hello Hello
	if err := json.Unmarshal(payload, &hello); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrSync, TypeHello, err)
	}
	s.report.SessionID = hello.SessionID
	peerKey, err := verifyHello(s.p.signer, hello)
	if err != nil {
		return err
	}
	if err := s.bindPeer(hello.DeviceID, peerKey); err != nil {
		return err
	}
	s.peerWatermarks = hello.Watermarks

	ack, err := buildHello(s.p.signer, TypeHelloAck, hello.SessionID, s.p.opts.DeviceID, s.p.queue.Watermarks(), s.p.opts.Now().UnixMilli())
	if err != nil {
		return err
	}
	if err := s.send(ctx, ack); err != nil {
		return err
	}

	s.setState(StateExchangingBatches)
	if err := s.receiveBatches(ctx); err != nil {
		return err
	}
	return s.sendBatches(ctx)
}

// bindPeer checks the handshake identity against what the transport reported
// and against the key pinned for that device. Inbound stream channels only know
// the remote address, so they adopt the handshake identity once its session
// slot is claimed.
func (s *session) bindPeer(deviceID string, publicKey ed25519.PublicKey) error {
	if deviceID == s.p.opts.DeviceID {
		return fmt.Errorf("%w: peer claims our device ID", errLocalReject)
	}
	rebind, provisional := s.ch.(provisionalChannel)
	provisional = provisional && rebind.ProvisionalPeer()
	if !provisional && s.report.PeerID != "" && s.report.PeerID != deviceID {
		return fmt.Errorf("%w: expected %s, handshake from %s", errLocalReject, s.report.PeerID, deviceID)
	}
	if err := s.p.queue.PinPeerKey(deviceID, publicKey); err != nil {
		if errors.Is(err, queue.ErrKeyChanged) {
			return fmt.Errorf("%w: %w: %s", ErrPeerRejected, ErrKeyChanged, deviceID)
		}
		return err
	}
	if provisional {
		if s.claim != nil && !s.claim(deviceID) {
			return fmt.Errorf("%w: session with %s already in progress", errLocalReject, deviceID)
		}
		rebind.SetPeerID(deviceID)
	}
	s.report.PeerID = deviceID
	s.log = s.p.log.With("peer_id", deviceID, "session_id", s.report.SessionID)
	return nil
}

type provisionalChannel interface {
	ProvisionalPeer() bool
	SetPeerID(string)
}

func (s *session) sendBatches(ctx context.Context) error {
	offer := s.p.queue.Offer(s.peerWatermarks)
	index := 0
	for start := 0; start < len(offer); {
		end := start + s.p.opts.BatchSize
		if end > len(offer) {
			end = len(offer)
		}
		batch := Batch{Type: TypeBatch, SessionID: s.report.SessionID, Index: index, Transactions: offer[start:end]}
		payload, err := EncodeJSON(batch)
		if err != nil {
			return err
		}
		// Shrink batches that would not fit in one frame.
		for len(payload) > s.p.opts.MaxFrameSize && len(batch.Transactions) > 1 {
			batch.Transactions = batch.Transactions[:len(batch.Transactions)/2]
			if payload, err = EncodeJSON(batch); err != nil {
				return err
			}
		}
		if len(payload) > s.p.opts.MaxFrameSize {
			// Later sequences would move the peer's watermark past this one.
			oversized := batch.Transactions[0]
			s.log.Warn("transaction larger than a frame, holding back its origin", "transaction_id", oversized.ID,
				"origin", oversized.OriginDeviceID, "sequence", oversized.Sequence)
			offer = append(offer[:start:start], holdBack(offer[start+1:], oversized.OriginDeviceID)...)
			continue
		}

		if err := s.sendRaw(ctx, payload); err != nil {
			return err
		}
		if err := s.awaitAck(ctx, index); err != nil {
			return err
		}
		s.report.Sent += len(batch.Transactions)
		start += len(batch.Transactions)
		index++
	}

	return s.send(ctx, Done{Type: TypeDone, SessionID: s.report.SessionID, Batches: index})
}

func holdBack(offer []models.PendingTransaction, origin string) []models.PendingTransaction {
	kept := make([]models.PendingTransaction, 0, len(offer))
	for _, tx := range offer {
		if tx.OriginDeviceID != origin {
			kept = append(kept, tx)
		}
	}
	return kept
}

func (s *session) awaitAck(ctx context.Context, index int) error {
	payload, env, err := s.receive(ctx)
	if err != nil {
		return err
	}
	if env.Type != TypeBatchAck {
		return fmt.Errorf("%w: expected %s, got %s", ErrSync, TypeBatchAck, env.Type)
	}
	var ack BatchAck
	if err := json.Unmarshal(payload, &ack); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrSync, TypeBatchAck, err)
	}
	if ack.Index != index {
		return fmt.Errorf("%w: ack for batch %d, expected %d", ErrSync, ack.Index, index)
	}
	for _, result := range ack.Results {
		if result.Outcome == string(queue.MergeRejected) {
			s.log.Info("peer rejected transaction", "transaction_id", result.ID, "reason", result.Reason)
		}
	}
	return nil
}

func (s *session) receiveBatches(ctx context.Context) error {
	expected := 0
	for {
		payload, env, err := s.receive(ctx)
		if err != nil {
			return err
		}
		switch env.Type {
		case TypeDone:
			return nil
		case TypeBatch:
		default:
			return fmt.Errorf("%w: unexpected %s during exchange", ErrSync, env.Type)
		}

		var batch Batch
		if err := json.Unmarshal(payload, &batch); err != nil {
			return fmt.Errorf("%w: decode %s: %v", ErrSync, TypeBatch, err)
		}
		if batch.Index != expected {
			return fmt.Errorf("%w: batch %d out of order, expected %d", ErrSync, batch.Index, expected)
		}
		if expected >= s.p.opts.MaxBatches {
			return fmt.Errorf("%w: more than %d batches", ErrSync, s.p.opts.MaxBatches)
		}
		if len(batch.Transactions) > s.p.opts.BatchSize {
			return fmt.Errorf("%w: batch of %d exceeds %d", ErrSync, len(batch.Transactions), s.p.opts.BatchSize)
		}

		results, err := s.applyBatch(batch)
		if err != nil {
			return err
		}
		if err := s.send(ctx, BatchAck{Type: TypeBatchAck, SessionID: s.report.SessionID, Index: batch.Index, Results: results}); err != nil {
			return err
		}
		expected++
	}
}

// applyBatch merges every transaction. Proof checks happen inside Merge.
func (s *session) applyBatch(batch Batch) ([]ItemResult, error) {
	s.setState(StateVerifyingProofs)
	defer s.setState(StateExchangingBatches)

	results := make([]ItemResult, 0, len(batch.Transactions))
	for _, tx := range batch.Transactions {
		result, err := s.p.queue.Merge(tx)
		if err != nil {
			return nil, fmt.Errorf("merge %s: %w", tx.ID, err)
		}
		s.report.Received++
		switch result.Outcome {
		case queue.MergeAccepted:
			s.report.Accepted++
		case queue.MergeDuplicate:
			s.report.Duplicate++
		case queue.MergeRejected:
			s.report.Rejected++
		}
		results = append(results, ItemResult{ID: tx.ID, Outcome: string(result.Outcome), Reason: result.Reason})
	}
	return results, nil
}

func (s *session) send(ctx context.Context, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return s.sendRaw(ctx, payload)
}

func (s *session) sendRaw(ctx context.Context, payload []byte) error {
	if err := s.ch.Send(ctx, payload); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// receive returns the next frame; an error message from the peer becomes an error.
func (s *session) receive(ctx context.Context) ([]byte, Envelope, error) {
	payload, err := s.ch.Receive(ctx)
	if err != nil {
		return nil, Envelope{}, fmt.Errorf("receive: %w", err)
	}
	env, err := DecodeEnvelope(payload)
	if err != nil {
		return nil, Envelope{}, err
	}
	if s.report.SessionID != "" && env.SessionID != s.report.SessionID {
		return nil, Envelope{}, fmt.Errorf("%w: message for session %q", ErrSync, env.SessionID)
	}
	if env.Type == TypeError {
		var msg ErrorMessage
		_ = json.Unmarshal(payload, &msg)
		switch msg.Code {
		case CodeVersionMismatch:
			return nil, env, fmt.Errorf("%w: %w: peer supports %v", errRemoteAbort, ErrVersionMismatch, msg.SupportedVersions)
		case CodeKeyChanged:
			return nil, env, fmt.Errorf("%w: %w: %w: %s", errRemoteAbort, ErrPeerRejected, ErrKeyChanged, msg.Message)
		}
		return nil, env, fmt.Errorf("%w: %w: %s: %s", errRemoteAbort, ErrPeerRejected, msg.Code, msg.Message)
	}
	return payload, env, nil
}

// finish settles the final state and tells the peer why we aborted when the link is still usable.
func (s *session) finish(ctx context.Context, err error) (Report, error) {
	if err == nil {
		s.setState(StateReconciled)
		s.log.Info("sync session reconciled", "sent", s.report.Sent, "received", s.report.Received,
			"accepted", s.report.Accepted, "duplicate", s.report.Duplicate, "rejected", s.report.Rejected)
		return s.report, nil
	}

	s.setState(StateAborted)
	if code, notify := abortCode(err); notify && ctx.Err() == nil {
		msg := ErrorMessage{Type: TypeError, SessionID: s.report.SessionID, Code: code, Message: err.Error()}
		if code == CodeVersionMismatch {
			msg.SupportedVersions = []int{ProtocolVersion}
		}
		if payload, encErr := EncodeJSON(msg); encErr == nil {
			_ = s.ch.Send(ctx, payload)
		}
	}
	s.log.Warn("sync session aborted", "error", err, "received", s.report.Received, "accepted", s.report.Accepted)
	return s.report, err
}

// abortCode maps a local failure to a wire code. Transport failures and
// peer-initiated aborts are not echoed back.
func abortCode(err error) (string, bool) {
	switch {
	case errors.Is(err, transport.ErrTimeout), errors.Is(err, transport.ErrClosed),
		errors.Is(err, transport.ErrConnectionFailed), errors.Is(err, transport.ErrFrameTooLarge):
		return "", false
	case errors.Is(err, errRemoteAbort):
		return "", false
	case errors.Is(err, ErrKeyChanged):
		return CodeKeyChanged, true
	case errors.Is(err, ErrPeerRejected):
		return CodeRejected, true
	case errors.Is(err, ErrVersionMismatch):
		return CodeVersionMismatch, true
	case errors.Is(err, ErrSync), errors.Is(err, ErrInvalidSignature):
		return CodeMalformed, true
	default:
		return CodeInternal, true
	}
}
