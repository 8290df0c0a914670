package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"meshledger/models"
	"meshledger/syncproto"
	"meshledger/transport"
)

const acceptRetryDelay = 5 * time.Second

type candidate struct {
	peer    models.PeerDescriptor
	adapter transport.Adapter
}

// syncMesh discovers peers on every adapter and syncs with the best one that
// completes a session. Weak peers below the RSSI floor are never contacted.
func (c *Coordinator) syncMesh(ctx context.Context) error {
	if len(c.adapters) == 0 {
		return nil
	}

	candidates := c.discover(ctx)
	if len(candidates) == 0 {
		c.log.Debug("no peers in range above the signal floor")
		return nil
	}

	var lastErr error
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.syncPeer(ctx, cand)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Info("peer session failed, trying next peer", "peer_id", cand.peer.PeerID, "transport", cand.peer.Transport, "error", err)
	}
	return lastErr
}

func (c *Coordinator) discover(ctx context.Context) []candidate {
	floor := c.monitor.MinRSSI()
	byPeer := make(map[string]candidate)

	for _, adapter := range c.adapters {
		kind := adapter.Kind()
		peers, err := adapter.StartDiscovery(ctx, c.opts.DiscoveryTimeouts[kind])
		if err != nil {
			c.transportError(kind, "discovery", err)
			continue
		}
		for peer := range peers {
			if peer.SignalStrength < floor {
				continue
			}
			existing, seen := byPeer[peer.PeerID]
			if !seen || better(peer, existing.peer) {
				byPeer[peer.PeerID] = candidate{peer: peer, adapter: adapter}
			}
		}
	}

	out := make([]candidate, 0, len(byPeer))
	for _, cand := range byPeer {
		out = append(out, cand)
	}
	sort.Slice(out, func(i, j int) bool {
		return better(out[i].peer, out[j].peer)
	})
	return out
}

// better ranks by signal strength, then by most recently seen.
func better(a, b models.PeerDescriptor) bool {
	if a.SignalStrength != b.SignalStrength {
		return a.SignalStrength > b.SignalStrength
	}
	if !a.LastSeen.Equal(b.LastSeen) {
		return a.LastSeen.After(b.LastSeen)
	}
	return a.PeerID < b.PeerID
}

func (c *Coordinator) syncPeer(ctx context.Context, cand candidate) error {
	peerID := cand.peer.PeerID
	kind := cand.adapter.Kind()
	if !c.claimSession(peerID) {
		return fmt.Errorf("session with %s already in progress", peerID)
	}
	defer c.releaseSession(peerID)

	sessionCtx, cancel := context.WithTimeout(ctx, c.opts.SessionTimeout)
	defer cancel()

	ch, err := cand.adapter.Connect(sessionCtx, peerID)
	if err != nil {
		c.metrics.ObserveSession(string(kind), "connect_failed")
		c.transportError(kind, "connect", err)
		return err
	}
	defer ch.Close()

	c.monitor.SetLink(kind, cand.peer.SignalStrength)
	defer c.monitor.ClearLink(kind)
	report, err := c.syncer.Initiate(sessionCtx, ch)
	c.metrics.ObserveSession(string(kind), string(report.State))
	if err != nil {
		c.transportError(kind, "session", err)
		return err
	}
	c.log.Info("mesh sync completed", "peer_id", report.PeerID, "transport", kind,
		"sent", report.Sent, "accepted", report.Accepted, "duplicate", report.Duplicate, "rejected", report.Rejected)
	return nil
}

// Serve answers inbound sessions on every adapter until ctx is done.
func (c *Coordinator) Serve(ctx context.Context) {
	done := make(chan struct{}, len(c.adapters))
	for _, adapter := range c.adapters {
		go func(adapter transport.Adapter) {
			defer func() { done <- struct{}{} }()
			c.acceptLoop(ctx, adapter)
		}(adapter)
	}
	for range c.adapters {
		<-done
	}
}

func (c *Coordinator) acceptLoop(ctx context.Context, adapter transport.Adapter) {
	kind := adapter.Kind()
	for {
		ch, err := adapter.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return
			}
			// A radio that is off or not yet permitted may come back.
			c.transportError(kind, "accept", err)
			if sleepErr := c.opts.Sleep(ctx, acceptRetryDelay); sleepErr != nil {
				return
			}
			continue
		}
		go c.respond(ctx, kind, ch)
	}
}

// respond holds the slot of the transport-reported peer ID for the whole
// session. Stream transports report only the remote address, so the session
// also claims the device ID from the hello before any batch moves.
func (c *Coordinator) respond(ctx context.Context, kind models.TransportKind, ch transport.Channel) {
	defer ch.Close()

	var claimed []string
	defer func() {
		for _, id := range claimed {
			c.releaseSession(id)
		}
	}()
	claim := func(peerID string) bool {
		if !c.claimSession(peerID) {
			return false
		}
		claimed = append(claimed, peerID)
		return true
	}

	if peerID := ch.PeerID(); !claim(peerID) {
		c.log.Debug("dropping inbound session, one already in progress", "peer_id", peerID)
		return
	}

	sessionCtx, cancel := context.WithTimeout(ctx, c.opts.SessionTimeout)
	defer cancel()

	report, err := c.syncer.Respond(sessionCtx, ch, claim)
	c.metrics.ObserveSession(string(kind), string(report.State))
	if err != nil {
		c.log.Info("inbound session aborted", "peer_id", report.PeerID, "transport", kind, "error", err)
		return
	}
	if report.State == syncproto.StateReconciled {
		c.log.Info("inbound mesh sync completed", "peer_id", report.PeerID, "transport", kind,
			"accepted", report.Accepted, "sent", report.Sent)
	}
}

func (c *Coordinator) claimSession(peerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.sessions[peerID]; busy {
		return false
	}
	c.sessions[peerID] = struct{}{}
	return true
}

func (c *Coordinator) releaseSession(peerID string) {
	c.mu.Lock()
	delete(c.sessions, peerID)
	c.mu.Unlock()
}

// transportError logs a transport failure and alerts on the ones the user must fix.
func (c *Coordinator) transportError(kind models.TransportKind, stage string, err error) {
	switch {
	case userFacing(err):
		c.log.Error("transport needs user action", "transport", kind, "stage", stage, "error", err)
		c.alert(kind, err)
	case errors.Is(err, transport.ErrTransportUnavailable):
		c.log.Info("transport unavailable", "transport", kind, "stage", stage, "error", err)
	case transport.Recoverable(err):
		c.log.Info("transport failure, retrying next cycle", "transport", kind, "stage", stage, "error", err)
	default:
		c.log.Warn("transport failure", "transport", kind, "stage", stage, "error", err)
	}
	c.recordError(fmt.Errorf("%s %s: %w", kind, stage, err))
}
