package main

// Gatekeeper authorizes announces before they reach the registry: the peer id
// must belong to an allowed client and the passkey must be in the filter.
type Gatekeeper struct {
	clients *ClientTable
	filter  *PasskeyFilter
	metrics *metrics
}

func NewGatekeeper(clients *ClientTable, filter *PasskeyFilter, m *metrics) *Gatekeeper {
	if m == nil {
		m = newMetrics(nil)
	}
	return &Gatekeeper{clients: clients, filter: filter, metrics: m}
}

// Admit returns nil when the announce may proceed. Every rejection is the
// same ErrAccessDenied so callers cannot tell which check failed.
func (g *Gatekeeper) Admit(peerID, passkey string) error {
	c, err := g.clients.Parse(peerID)
	if err != nil || !g.clients.Allowed(c) {
		g.metrics.rejected.WithLabelValues(rejectClient).Inc()
		if debugEnabled.Load() {
			if id, perr := normalizePeerID(peerID); perr == nil {
				debug("rejected peer id %s: client=%s err=%v", id, c, err)
			} else {
				debug("rejected peer id %q: %v", peerID, perr)
			}
		}
		return ErrAccessDenied
	}
	if !g.filter.Contains(passkey) {
		g.metrics.rejected.WithLabelValues(rejectPasskey).Inc()
		debug("rejected unknown passkey from %s client", c)
		return ErrAccessDenied
	}
	return nil
}
