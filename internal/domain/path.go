package domain

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/worldmesh/worldmesh/pkg/wire"
)

// SendPathQuery asks the domain to resolve a location path. When the
// domain socket is not known yet the query is kept and flushed once the
// address arrives; a later query replaces an earlier pending one.
func (h *Handler) SendPathQuery(path string) {
	h.mu.Lock()
	known := h.ip.IsValid()
	sessionID := h.sessionID
	port := h.port
	ip := h.ip
	if !known {
		h.pendingPath = path
	}
	h.mu.Unlock()

	if !known {
		log.Debug().Str("path", path).Msg("domain socket unknown, deferring path query")
		return
	}
	h.sendPathQuery(path, sessionID, wire.SockAddr{Addr: ip, Port: port})
}

// flushPendingPath sends the deferred path query, if any. Called when the
// domain socket becomes known.
func (h *Handler) flushPendingPath() {
	h.mu.Lock()
	path := h.pendingPath
	h.pendingPath = ""
	sessionID := h.sessionID
	addr := wire.SockAddr{Addr: h.ip, Port: h.port}
	known := h.ip.IsValid()
	h.mu.Unlock()

	if path == "" || !known {
		return
	}
	h.sendPathQuery(path, sessionID, addr)
}

func (h *Handler) sendPathQuery(path string, sessionID uuid.UUID, to wire.SockAddr) {
	pkt, err := wire.PathQuery{Path: path}.Marshal(sessionID)
	if err != nil {
		log.Debug().Err(err).Msg("path query not sent")
		return
	}
	log.Debug().Str("path", path).Str("domain", to.String()).Msg("sending path query")
	if err := h.sender.SendTo(pkt, to); err != nil {
		log.Debug().Err(err).Msg("path query send failed")
	}
}

// PendingPath returns the deferred path query, empty when none.
func (h *Handler) PendingPath() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pendingPath
}

// HandlePathResponse logs the viewpoint the domain resolved; moving the
// local avatar there is the host application's job.
func (h *Handler) HandlePathResponse(hdr wire.Header, payload []byte, from wire.SockAddr) {
	resp, err := wire.ParsePathResponse(payload)
	if err != nil {
		log.Debug().Err(err).Msg("malformed path response")
		return
	}
	log.Info().Str("path", resp.Path).Str("viewpoint", resp.Viewpoint).Msg("domain resolved path")
}
