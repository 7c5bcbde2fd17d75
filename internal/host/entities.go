package host

import (
	"strataguard/internal/protocol"
	"strataguard/internal/sim/geom"
	"strataguard/internal/sim/visibility"
)

// Other clients are the entities of this host. A hidden viewer does not learn about
// peers standing at elevations whose cells it would not see either.

// OnTransition re-evaluates which peers the transitioning client may see.
func (h *Host) OnTransition(t visibility.Transition) {
	c, ok := h.Conn(t.Conn)
	if !ok || !c.Online() {
		return
	}
	h.syncPeers(c, false)
}

func (h *Host) peerVisible(viewer *Conn, at geom.Location) bool {
	if h.guard == nil || !h.guard.Hidden(viewer.ID) {
		return true
	}
	pol := h.guard.Policy()
	return !pol.Eligible(at.World) || !pol.Suppressible(at.BlockY())
}

// showPeer brings viewer's knowledge of peer in line with the rules. With update set
// a visible peer's position is sent even if the viewer already knows it.
func (h *Host) showPeer(viewer, peer *Conn, at geom.Location, update bool) {
	vis := h.peerVisible(viewer, at)
	was := viewer.peerShown(peer.ID)
	switch {
	case vis && (update || !was):
		if h.sendJSON(viewer, protocol.PeerMsg{
			Type: protocol.TypePeer,
			ID:   peer.ID.String(),
			Name: peer.Name,
			Pos:  [3]float64{at.X, at.Y, at.Z},
		}) {
			viewer.setPeerShown(peer.ID, true)
		}
	case !vis && was:
		h.sendJSON(viewer, protocol.PeerMsg{Type: protocol.TypePeer, ID: peer.ID.String(), Gone: true})
		viewer.setPeerShown(peer.ID, false)
	}
}

// syncPeers walks every peer in the viewer's world.
func (h *Host) syncPeers(viewer *Conn, update bool) {
	for _, p := range h.connsIn(viewer.Location().World) {
		if p.ID == viewer.ID {
			continue
		}
		h.showPeer(viewer, p, p.Location(), update)
	}
}

// broadcastPeer tells every viewer in the peer's world where it is now.
func (h *Host) broadcastPeer(peer *Conn) {
	at := peer.Location()
	for _, v := range h.connsIn(at.World) {
		if v.ID == peer.ID {
			continue
		}
		h.showPeer(v, peer, at, true)
	}
}

// peerGone removes peer from every viewer in world that still shows it.
func (h *Host) peerGone(peer *Conn, world string) {
	for _, v := range h.connsIn(world) {
		if v.ID == peer.ID || !v.peerShown(peer.ID) {
			continue
		}
		h.sendJSON(v, protocol.PeerMsg{Type: protocol.TypePeer, ID: peer.ID.String(), Gone: true})
		v.setPeerShown(peer.ID, false)
	}
}
