package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"rubintv/services/backend/internal/logging"
	"rubintv/services/backend/internal/metrics"
)

var (
	ErrUnknownClient   = errors.New("unknown client")
	ErrTransportClosed = errors.New("transport closed")
	ErrSendBufferFull  = errors.New("send buffer full")
)

const deliveryConcurrency = 64

// Transport is one connected real-time client. Send must not block on a slow peer.
type Transport interface {
	Send(message []byte) error
	Close() error
}

// Publisher is the narrow view of the registry used by the tracker, archive and detector consumer.
type Publisher interface {
	Publish(ctx context.Context, key ServiceKey, dataType, datestamp string, data any) error
	Send(ctx context.Context, clientID string, key ServiceKey, dataType, datestamp string, data any) error
}

// SubscribeHook runs after a client subscribes so the owner of the service can push its cached view.
type SubscribeHook func(ctx context.Context, clientID string, key ServiceKey)

// Registry owns every client connection and its subscriptions. One lock covers the client map,
// the service sets and the per-client membership index so removal is atomic across all three.
type Registry struct {
	mu          sync.RWMutex
	clients     map[string]Transport
	services    map[string]map[string]struct{}
	memberships map[string]map[string]struct{}

	hooksMu sync.RWMutex
	hooks   []SubscribeHook
}

func NewRegistry() *Registry {
	return &Registry{
		clients:     make(map[string]Transport),
		services:    make(map[string]map[string]struct{}),
		memberships: make(map[string]map[string]struct{}),
	}
}

func (r *Registry) Register(transport Transport) string {
	id := uuid.NewString()

	r.mu.Lock()
	r.clients[id] = transport
	r.memberships[id] = make(map[string]struct{})
	count := len(r.clients)
	r.mu.Unlock()

	metrics.ConnectedClients.Set(float64(count))
	logging.Debug().Str("client_id", id).Msg("client registered")
	return id
}

// Unregister removes the client from every map and closes its transport. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	transport, ok := r.clients[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, id)
	for key := range r.memberships[id] {
		r.removeMember(key, id)
	}
	delete(r.memberships, id)
	count := len(r.clients)
	r.mu.Unlock()

	metrics.ConnectedClients.Set(float64(count))
	if err := transport.Close(); err != nil {
		logging.Debug().Err(err).Str("client_id", id).Msg("close transport")
	}
	logging.Debug().Str("client_id", id).Msg("client unregistered")
}

func (r *Registry) Subscribe(id string, key ServiceKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}
	name := key.String()
	members, ok := r.services[name]
	if !ok {
		members = make(map[string]struct{})
		r.services[name] = members
	}
	members[id] = struct{}{}
	r.memberships[id][name] = struct{}{}
	return nil
}

func (r *Registry) Unsubscribe(id string, key ServiceKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := key.String()
	if membership, ok := r.memberships[id]; ok {
		delete(membership, name)
	}
	r.removeMember(name, id)
}

func (r *Registry) removeMember(name, id string) {
	members, ok := r.services[name]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.services, name)
	}
}

func (r *Registry) Subscribers(key ServiceKey) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.services[key.String()]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// OnSubscribe adds a hook that runs after every successful subscription made by HandleFrame.
func (r *Registry) OnSubscribe(hook SubscribeHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

func (r *Registry) runHooks(ctx context.Context, id string, key ServiceKey) {
	r.hooksMu.RLock()
	hooks := append([]SubscribeHook(nil), r.hooks...)
	r.hooksMu.RUnlock()

	for _, hook := range hooks {
		hook(ctx, id, key)
	}
}

// Publish encodes the envelope once and delivers it to every subscriber of key. Each delivery is
// isolated: a failing client never stops the others and is unregistered once the round completes.
// Only encoding and cancellation errors are returned.
func (r *Registry) Publish(ctx context.Context, key ServiceKey, dataType, datestamp string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	message, err := EncodeEnvelope(key, dataType, datestamp, data)
	if err != nil {
		return err
	}

	var (
		failedMu sync.Mutex
		failed   []string
	)

	r.mu.RLock()
	members := r.services[key.String()]
	delivered := len(members)
	var group errgroup.Group
	group.SetLimit(deliveryConcurrency)
	for id := range members {
		transport := r.clients[id]
		group.Go(func() error {
			if err := transport.Send(message); err != nil {
				logging.Debug().Err(err).Str("client_id", id).Str("service", key.String()).Msg("delivery failed")
				failedMu.Lock()
				failed = append(failed, id)
				failedMu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	r.mu.RUnlock()

	for _, id := range failed {
		r.Unregister(id)
	}

	metrics.NotificationsPublished.WithLabelValues(key.Service, dataType).Inc()
	if len(failed) > 0 {
		metrics.DeliveryFailures.Add(float64(len(failed)))
		logging.Info().
			Str("service", key.String()).
			Str("data_type", dataType).
			Int("subscribers", delivered).
			Int("failed", len(failed)).
			Msg("unregistered failed clients")
	}
	return nil
}

// Send pushes one envelope to a single client, unregistering it when the send fails.
func (r *Registry) Send(ctx context.Context, clientID string, key ServiceKey, dataType, datestamp string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	message, err := EncodeEnvelope(key, dataType, datestamp, data)
	if err != nil {
		return err
	}

	// delivery happens under the read lock so it can never reach a client whose Unregister returned
	r.mu.RLock()
	transport, ok := r.clients[clientID]
	if !ok {
		r.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	err = transport.Send(message)
	r.mu.RUnlock()

	if err != nil {
		metrics.DeliveryFailures.Inc()
		r.Unregister(clientID)
		return fmt.Errorf("send to client %s: %w", clientID, err)
	}
	return nil
}

// CloseAll closes every client connection. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	transports := r.clients
	r.clients = make(map[string]Transport)
	r.services = make(map[string]map[string]struct{})
	r.memberships = make(map[string]map[string]struct{})
	r.mu.Unlock()

	for id, transport := range transports {
		if err := transport.Close(); err != nil {
			logging.Debug().Err(err).Str("client_id", id).Msg("close transport")
		}
	}
	metrics.ConnectedClients.Set(0)
	logging.Info().Int("clients", len(transports)).Msg("closed all client connections")
}
