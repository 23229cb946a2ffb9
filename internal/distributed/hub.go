// Package distributed federates tools contributed by remote worker
// nodes as first-class plugins routable by name, over a persistent
// WebSocket control channel per node.
package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mywar5/VCPToolBox/internal/manifest"
	"github.com/mywar5/VCPToolBox/internal/pluginlog"
	"github.com/mywar5/VCPToolBox/internal/staticrefresh"
)

const staleAfter = 30 * time.Second
const staleCheckInterval = 10 * time.Second

// Hub is the central manager for all remote-node sessions: register and
// unregister flow through channels into one event loop, with a periodic
// sweep of connections that stopped proving liveness.
type Hub struct {
	store     *manifest.Store
	refresher *staticrefresh.Refresher
	corr      *correlator

	mu       sync.RWMutex
	sessions map[string]*Session

	register   chan *Session
	unregister chan *Session
	stop       chan struct{}

	log zerolog.Logger
}

func NewHub(store *manifest.Store, refresher *staticrefresh.Refresher) *Hub {
	return &Hub{
		store:      store,
		refresher:  refresher,
		corr:       newCorrelator(),
		sessions:   make(map[string]*Session),
		register:   make(chan *Session, 8),
		unregister: make(chan *Session, 8),
		stop:       make(chan struct{}),
		log:        pluginlog.WithComponent("distributed"),
	}
}

// Run is the hub's main event loop; run it in a goroutine.
func (h *Hub) Run() {
	ticker := time.NewTicker(staleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case s := <-h.register:
			h.handleRegister(s)
		case s := <-h.unregister:
			h.handleUnregister(s)
		case <-ticker.C:
			h.sweepStale()
		case <-h.stop:
			return
		}
	}
}

func (h *Hub) Stop() { close(h.stop) }

func (h *Hub) handleRegister(s *Session) {
	h.mu.Lock()
	if existing, ok := h.sessions[s.ServerID]; ok {
		h.log.Warn().Str("server_id", s.ServerID).Msg("node reconnected while a prior session was still open, replacing it")
		go h.evictSession(existing)
	}
	h.sessions[s.ServerID] = s
	h.mu.Unlock()
	h.log.Info().Str("server_id", s.ServerID).Msg("remote node session registered")
}

// handleUnregister evicts s only if it is still the session registered
// for its serverId. A stale session replaced by a reconnect was already
// evicted at replacement time, and its read/write loops' trailing
// unregister sends must not take down the new session.
func (h *Hub) handleUnregister(s *Session) {
	h.mu.Lock()
	current, ok := h.sessions[s.ServerID]
	if ok && current == s {
		delete(h.sessions, s.ServerID)
	}
	h.mu.Unlock()
	if !ok || current != s {
		return
	}
	h.evictSession(s)
}

func (h *Hub) sweepStale() {
	h.mu.RLock()
	var stale []*Session
	now := time.Now()
	for _, s := range h.sessions {
		if now.Sub(s.lastSeen()) > staleAfter {
			stale = append(stale, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range stale {
		h.log.Warn().Str("server_id", s.ServerID).Msg("no heartbeat within the stale window, evicting session")
		h.unregister <- s
	}
}

// evictSession performs the full eviction cascade: every tool and
// placeholder the session owns is removed from the manifest store and
// placeholder table, and every outstanding correlation id it owns fails
// its waiter with a disconnect error.
func (h *Hub) evictSession(s *Session) {
	removedTools := h.store.EvictServer(s.ServerID)
	h.store.RebuildPromptFragments()
	removedPlaceholders := s.placeholderKeys()
	if h.refresher != nil {
		h.refresher.EvictRemote(removedPlaceholders)
	}
	h.corr.evictAll(s.pendingIDs())
	close(s.Send)
	s.Conn.Close()
	h.log.Info().
		Str("server_id", s.ServerID).
		Int("removed_tools", len(removedTools)).
		Int("removed_placeholders", len(removedPlaceholders)).
		Msg("session evicted")
}

// AcceptSession registers a newly-connected session with the hub and
// starts its frame-reading loop.
func (h *Hub) AcceptSession(serverID string, conn *websocket.Conn) *Session {
	s := newSession(serverID, conn)
	h.register <- s
	go h.readLoop(s)
	go h.writeLoop(s)
	return s
}

func (h *Hub) writeLoop(s *Session) {
	for msg := range s.Send {
		if err := s.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.log.Warn().Err(err).Str("server_id", s.ServerID).Msg("failed to write to session, unregistering")
			h.unregister <- s
			return
		}
	}
}

func (h *Hub) readLoop(s *Session) {
	for {
		_, raw, err := s.Conn.ReadMessage()
		if err != nil {
			h.unregister <- s
			return
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			h.log.Warn().Err(err).Str("server_id", s.ServerID).Msg("dropping malformed frame")
			continue
		}
		h.dispatchInbound(s, f)
	}
}

// dispatchInbound routes one parsed frame. Any well-formed frame counts
// as liveness, so a node busy streaming responses is never swept for
// missing a heartbeat.
func (h *Hub) dispatchInbound(s *Session, f Frame) {
	s.touch()
	switch f.Type {
	case frameHeartbeat:
	case frameRegisterTools:
		var p registerToolsPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			h.log.Warn().Err(err).Str("server_id", s.ServerID).Msg("malformed register_tools payload")
			return
		}
		h.registerDistributedTools(s.ServerID, p.Manifests)
	case frameUpdatePlaceholders:
		var p updatePlaceholdersPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			h.log.Warn().Err(err).Str("server_id", s.ServerID).Msg("malformed update_placeholders payload")
			return
		}
		h.updateDistributedStaticPlaceholders(s, p.Values)
	case frameToolResponse, frameFileResponse:
		s.removePending(f.CorrelationID)
		h.corr.deliver(f.CorrelationID, f)
	default:
		h.log.Debug().Str("type", f.Type).Msg("ignoring unrecognized frame type")
	}
}

// registerDistributedTools validates and inserts each incoming manifest
// into the manifest store. After the batch, the prompt-fragment table
// is rebuilt once rather than per entry.
func (h *Hub) registerDistributedTools(serverID string, manifests []remoteManifest) {
	inserted := 0
	for _, rm := range manifests {
		if rm.Name == "" || rm.PluginType == "" || rm.EntryCommand == "" {
			h.log.Warn().Str("server_id", serverID).Str("name", rm.Name).Msg("rejecting remote manifest missing required fields")
			continue
		}
		m := manifest.Manifest{
			Name:        rm.Name,
			DisplayName: rm.DisplayName,
			PluginType:  manifest.PluginType(rm.PluginType),
			EntryPoint:  manifest.EntryPoint{Command: rm.EntryCommand},
			Communication: manifest.Communication{
				Protocol:  manifest.ProtocolStdio,
				TimeoutMs: rm.TimeoutMs,
			},
			ServerID: serverID,
		}
		if err := h.store.RegisterRemote(m); err != nil {
			h.log.Warn().Err(err).Str("server_id", serverID).Str("name", rm.Name).Msg("rejecting remote manifest")
			continue
		}
		inserted++
	}
	if inserted > 0 {
		h.store.RebuildPromptFragments()
	}
	h.log.Info().Str("server_id", serverID).Int("count", inserted).Msg("registered distributed tools")
}

// updateDistributedStaticPlaceholders merges remote-supplied
// placeholder values into the refresher's table as if the remote had
// performed a local static refresh. The session records which keys it
// pushed so eviction can remove exactly those.
func (h *Hub) updateDistributedStaticPlaceholders(s *Session, values map[string]string) {
	if h.refresher == nil || len(values) == 0 {
		return
	}
	s.addPlaceholders(values)
	h.refresher.MergeRemote(values)
}

// ExecuteDistributedTool sends a tool_request frame to the node owning
// toolName and suspends the caller until a matching response arrives or
// the timeout fires. Responses that arrive after the caller has given
// up are dropped by deliver's false return.
func (h *Hub) ExecuteDistributedTool(ctx context.Context, serverID, toolName string, args interface{}, timeout time.Duration) (interface{}, error) {
	h.mu.RLock()
	s, ok := h.sessions[serverID]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("distributed: node %s is not connected", serverID)
	}

	id := uuid.NewString()
	payload, err := json.Marshal(toolRequestPayload{ToolName: toolName, Args: args})
	if err != nil {
		return nil, fmt.Errorf("distributed: failed to marshal tool request: %w", err)
	}
	frame, err := json.Marshal(Frame{Type: frameToolRequest, CorrelationID: id, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("distributed: failed to marshal frame: %w", err)
	}

	ch := h.corr.register(id)
	s.addPending(id)

	select {
	case s.Send <- frame:
	default:
		h.corr.forget(id)
		s.removePending(id)
		return nil, fmt.Errorf("distributed: send buffer full for node %s", serverID)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("distributed: session %s disconnected while call %s was outstanding", serverID, toolName)
		}
		var p toolResponsePayload
		if err := json.Unmarshal(resp.Payload, &p); err != nil {
			return nil, fmt.Errorf("distributed: malformed tool response: %w", err)
		}
		if p.Status == "error" {
			return nil, fmt.Errorf("distributed: %s", p.Error)
		}
		return p.Result, nil

	case <-time.After(timeout):
		h.corr.forget(id)
		s.removePending(id)
		return nil, fmt.Errorf("distributed: call %s to node %s timed out", toolName, serverID)

	case <-ctx.Done():
		h.corr.forget(id)
		s.removePending(id)
		return nil, ctx.Err()
	}
}

// FetchFileAsDataURI implements stdioexec.FileFetcher: it asks the
// session identified by origin (a serverId) to resolve fileURL into a
// base64 data URI, for the FILE_NOT_FOUND_LOCALLY retry.
func (h *Hub) FetchFileAsDataURI(ctx context.Context, origin, fileURL string) (string, error) {
	h.mu.RLock()
	s, ok := h.sessions[origin]
	h.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("distributed: origin node %s is not connected", origin)
	}

	id := uuid.NewString()
	payload, _ := json.Marshal(fileRequestPayload{FileURL: fileURL})
	frame, err := json.Marshal(Frame{Type: frameFileRequest, CorrelationID: id, Payload: payload})
	if err != nil {
		return "", err
	}

	ch := h.corr.register(id)
	s.addPending(id)

	select {
	case s.Send <- frame:
	default:
		h.corr.forget(id)
		s.removePending(id)
		return "", fmt.Errorf("distributed: send buffer full for node %s", origin)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return "", fmt.Errorf("distributed: session %s disconnected during file fetch", origin)
		}
		var p fileResponsePayload
		if err := json.Unmarshal(resp.Payload, &p); err != nil {
			return "", err
		}
		if p.Error != "" {
			return "", fmt.Errorf("distributed: %s", p.Error)
		}
		return p.DataURI, nil

	case <-ctx.Done():
		h.corr.forget(id)
		s.removePending(id)
		return "", ctx.Err()
	}
}
