package loom

import (
	"context"
	"log/slog"
	"sync"
)

// RouteTarget is where a node-owned route dispatches to.
type RouteTarget struct {
	AgentID string
	NodeID  string
}

// routeKey identifies a node-owned route.
type routeKey struct {
	nodeType string
	routeID  string
}

// RouteIndex is the process-wide map from (node type, route id) to
// (agent id, node id), rebuilt at startup by scanning all saved graphs and
// updated atomically on agent save and delete. Duplicate routes overwrite
// last-save-wins, with a loud warning.
type RouteIndex struct {
	mu     sync.RWMutex
	routes map[routeKey]RouteTarget
	// byAgent tracks each agent's keys so a re-save can drop stale routes.
	byAgent map[string][]routeKey

	registry *Registry
	logger   *slog.Logger
}

// RouteIndexOption configures a RouteIndex.
type RouteIndexOption func(*RouteIndex)

// WithRouteIndexLogger sets the structured logger.
func WithRouteIndexLogger(l *slog.Logger) RouteIndexOption {
	return func(ri *RouteIndex) { ri.logger = l }
}

// NewRouteIndex creates an empty index over the executor registry, which
// supplies the per-node-type route declarations.
func NewRouteIndex(registry *Registry, opts ...RouteIndexOption) *RouteIndex {
	ri := &RouteIndex{
		routes:   make(map[routeKey]RouteTarget),
		byAgent:  make(map[string][]routeKey),
		registry: registry,
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(ri)
	}
	return ri
}

// Rebuild scans every saved agent and replaces the index contents.
func (ri *RouteIndex) Rebuild(ctx context.Context, store Store) error {
	agents, err := store.ListAgents(ctx)
	if err != nil {
		return err
	}
	ri.mu.Lock()
	ri.routes = make(map[routeKey]RouteTarget)
	ri.byAgent = make(map[string][]routeKey)
	ri.mu.Unlock()
	for _, rec := range agents {
		ri.UpdateAgent(rec)
	}
	return nil
}

// UpdateAgent re-indexes one agent's routes, dropping any stale entries
// from a prior save.
func (ri *RouteIndex) UpdateAgent(rec AgentRecord) {
	owners := ri.registry.routeOwners()

	var fresh []routeKey
	targets := make(map[routeKey]RouteTarget)
	for _, n := range rec.Graph.Nodes {
		owner, ok := owners[n.Type]
		if !ok {
			continue
		}
		for _, decl := range owner.Routes(n) {
			if decl.RouteID == "" {
				continue
			}
			key := routeKey{nodeType: decl.NodeType, routeID: decl.RouteID}
			fresh = append(fresh, key)
			targets[key] = RouteTarget{AgentID: rec.ID, NodeID: n.ID}
		}
	}

	ri.mu.Lock()
	defer ri.mu.Unlock()
	for _, key := range ri.byAgent[rec.ID] {
		if cur, ok := ri.routes[key]; ok && cur.AgentID == rec.ID {
			delete(ri.routes, key)
		}
	}
	for key, target := range targets {
		if prev, exists := ri.routes[key]; exists && prev.AgentID != rec.ID {
			ri.logger.Warn("routes: duplicate route overwritten",
				"node_type", key.nodeType, "route_id", key.routeID,
				"previous_agent", prev.AgentID, "agent", rec.ID)
		}
		ri.routes[key] = target
	}
	ri.byAgent[rec.ID] = fresh
}

// RemoveAgent drops every route owned by an agent.
func (ri *RouteIndex) RemoveAgent(agentID string) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	for _, key := range ri.byAgent[agentID] {
		if cur, ok := ri.routes[key]; ok && cur.AgentID == agentID {
			delete(ri.routes, key)
		}
	}
	delete(ri.byAgent, agentID)
}

// Lookup resolves a route to its target.
func (ri *RouteIndex) Lookup(nodeType, routeID string) (RouteTarget, bool) {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	t, ok := ri.routes[routeKey{nodeType: nodeType, routeID: routeID}]
	return t, ok
}
