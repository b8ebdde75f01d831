// Package presence announces the voice node on the bus and tracks the
// control surfaces attached to it.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Status reports the session phase carried by each heartbeat.
type Status func() (phase string, turn uint64)

type NodeInfo struct {
	ID       string    `json:"id"`
	Role     string    `json:"role"`
	Phase    string    `json:"phase"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

type SurfaceInfo struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

type Service struct {
	cfg          config.NodeConfig
	log          *slog.Logger
	bus          *bus.Client
	announcement protocol.NodeAnnouncement
	status       Status
	clock        func() time.Time

	mu       sync.RWMutex
	nodes    map[string]*NodeInfo
	surfaces map[string]*SurfaceInfo

	heartbeat *time.Ticker
	cancel    context.CancelFunc
	subs      []*nats.Subscription
	wg        sync.WaitGroup
	meter     metric.Meter
}

func NewService(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, announcement protocol.NodeAnnouncement, status Status, log *slog.Logger) (*Service, error) {
	ctx, cancel := context.WithCancel(ctx)
	announcement.NodeID = cfg.ID
	announcement.Role = cfg.Role
	s := &Service{
		cfg:          cfg,
		log:          log.With(slog.String("component", "presence")),
		bus:          busClient,
		announcement: announcement,
		status:       status,
		clock:        time.Now,
		nodes:        make(map[string]*NodeInfo),
		surfaces:     make(map[string]*SurfaceInfo),
		meter:        otel.Meter("github.com/loqalabs/loqa-voice/presence"),
		cancel:       cancel,
	}

	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := s.subscribe(); err != nil {
		s.Close()
		return nil, err
	}

	s.heartbeat = time.NewTicker(time.Duration(cfg.HeartbeatInterval) * time.Millisecond)
	s.wg.Add(2)
	go s.runHeartbeat(ctx)
	go s.monitorHealth(ctx)

	if err := s.announce(); err != nil {
		s.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Service) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.heartbeat != nil {
		s.heartbeat.Stop()
	}
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
	s.wg.Wait()
}

func (s *Service) subscribe() error {
	conn := s.bus.Conn()
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectNodeAnnounce, s.handleAnnounce},
		{protocol.SubjectNodeHeartbeat + ".*", s.handleHeartbeat},
		{protocol.SubjectSurfaceHeartbeat + ".*", s.handleSurface},
	}
	for _, h := range handlers {
		sub, err := conn.Subscribe(h.subject, h.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) runHeartbeat(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.heartbeat.C:
			if err := s.publishHeartbeat(); err != nil {
				s.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Service) monitorHealth(ctx context.Context) {
	defer s.wg.Done()
	interval := time.Duration(s.cfg.HeartbeatInterval) * time.Millisecond
	if interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evaluateHealth()
		}
	}
}

func (s *Service) announce() error {
	msg := s.announcement
	msg.Timestamp = s.clock().UTC()
	if err := s.bus.PublishJSON(protocol.SubjectNodeAnnounce, msg); err != nil {
		return err
	}
	s.updateNode(msg.NodeID, msg.Role, "", msg.Timestamp)
	return nil
}

func (s *Service) publishHeartbeat() error {
	phase, turn := "", uint64(0)
	if s.status != nil {
		phase, turn = s.status()
	}
	msg := protocol.NodeHeartbeat{
		NodeID:    s.cfg.ID,
		Phase:     phase,
		Turn:      turn,
		Surfaces:  len(s.Surfaces()),
		Timestamp: s.clock().UTC(),
	}
	return s.bus.PublishJSON(protocol.NodeHeartbeatSubject(s.cfg.ID), msg)
}

func (s *Service) handleAnnounce(msg *nats.Msg) {
	var announcement protocol.NodeAnnouncement
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		s.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = s.clock().UTC()
	}
	s.updateNode(announcement.NodeID, announcement.Role, "", announcement.Timestamp)
}

func (s *Service) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.NodeHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		s.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = s.clock().UTC()
	}
	s.updateNode(hb.NodeID, "", hb.Phase, hb.Timestamp)
}

func (s *Service) handleSurface(msg *nats.Msg) {
	var hb protocol.SurfaceHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		s.log.Warn("invalid surface heartbeat", slog.String("error", err.Error()))
		return
	}
	if hb.SurfaceID == "" || (hb.NodeID != "" && hb.NodeID != s.cfg.ID) {
		return
	}
	// Surfaces are timed out against the local clock.
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	surface, ok := s.surfaces[hb.SurfaceID]
	if !ok {
		surface = &SurfaceInfo{ID: hb.SurfaceID}
		s.surfaces[hb.SurfaceID] = surface
		s.log.Info("control surface attached", slog.String("surface", hb.SurfaceID), slog.String("kind", hb.Kind))
	}
	surface.Kind = hb.Kind
	surface.LastSeen = now
}

func (s *Service) updateNode(nodeID, role, phase string, timestamp time.Time) {
	if nodeID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		s.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if phase != "" {
		node.Phase = phase
	}
	node.LastSeen = timestamp
	node.Healthy = true
}

func (s *Service) evaluateHealth() {
	s.mu.Lock()
	defer s.mu.Unlock()

	timeout := time.Duration(s.cfg.HeartbeatTimeout) * time.Millisecond
	now := s.clock()
	for _, node := range s.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
	for id, surface := range s.surfaces {
		if now.Sub(surface.LastSeen) > timeout {
			delete(s.surfaces, id)
			s.log.Info("control surface detached", slog.String("surface", id))
		}
	}
}

// Healthy reports whether this node's own heartbeat is reaching the bus.
func (s *Service) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[s.cfg.ID]
	if !ok {
		return false
	}
	return node.Healthy
}

func (s *Service) Nodes() []NodeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]NodeInfo, 0, len(s.nodes))
	for _, node := range s.nodes {
		results = append(results, *node)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (s *Service) Surfaces() []SurfaceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]SurfaceInfo, 0, len(s.surfaces))
	for _, surface := range s.surfaces {
		results = append(results, *surface)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (s *Service) initMetrics() error {
	nodeGauge, err := s.meter.Int64ObservableGauge("loqa.voice.nodes", metric.WithDescription("Number of known voice nodes"))
	if err != nil {
		return err
	}
	surfaceGauge, err := s.meter.Int64ObservableGauge("loqa.voice.surfaces", metric.WithDescription("Control surfaces attached to this node"))
	if err != nil {
		return err
	}
	_, err = s.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		s.mu.RLock()
		defer s.mu.RUnlock()
		obs.ObserveInt64(nodeGauge, int64(len(s.nodes)))
		obs.ObserveInt64(surfaceGauge, int64(len(s.surfaces)))
		return nil
	}, nodeGauge, surfaceGauge)
	return err
}
