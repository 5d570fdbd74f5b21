// Package relay fans document updates and presence states out to the other
// peers of a scope over Redis pub/sub.
package relay

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"treesync/internal/presence"
)

const channelPrefix = "treesync:"

const (
	kindUpdate    = "update"
	kindAwareness = "awareness"
	// kindSyncStep1 carries a state vector and asks for what it lacks.
	kindSyncStep1 = "sync-step1"
	// kindSyncStep2 answers a step 1 with an update for one peer.
	kindSyncStep2 = "sync-step2"
)

type envelope struct {
	Peer     string          `json:"peer"`
	To       string          `json:"to,omitempty"`
	Kind     string          `json:"kind"`
	Reply    bool            `json:"reply,omitempty"`
	Update   []byte          `json:"update,omitempty"`
	ClientID uint64          `json:"clientId,omitempty"`
	State    *presence.State `json:"state,omitempty"`
}

// Handler receives messages published by other peers. Nil fields are
// skipped.
type Handler struct {
	Update    func(update []byte)
	Awareness func(clientID uint64, state *presence.State)
	// StateVector and Diff take part in the sync handshake. When both are
	// set, Start announces the local state vector and peers exchange the
	// updates the other side lacks.
	StateVector func() []byte
	Diff        func(sv []byte) ([]byte, error)
}

func (h Handler) syncs() bool {
	return h.StateVector != nil && h.Diff != nil
}

type Relay struct {
	client  *redis.Client
	channel string
	peer    string
	log     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

func New(client *redis.Client, scope string, log *zap.SugaredLogger) *Relay {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Relay{
		client:  client,
		channel: channelPrefix + scope,
		peer:    uuid.NewString(),
		log:     log,
	}
}

func (r *Relay) Channel() string {
	return r.channel
}

func (r *Relay) Peer() string {
	return r.peer
}

// Publish sends a document update to the other peers.
func (r *Relay) Publish(ctx context.Context, update []byte) error {
	return r.send(ctx, envelope{Kind: kindUpdate, Update: update})
}

// Broadcast sends a presence state. It satisfies presence.Broadcaster.
func (r *Relay) Broadcast(clientID uint64, state *presence.State) error {
	return r.send(context.Background(), envelope{Kind: kindAwareness, ClientID: clientID, State: state})
}

func (r *Relay) send(ctx context.Context, env envelope) error {
	env.Peer = r.peer
	payload, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encode relay message")
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return errors.Wrapf(err, "publish to %s", r.channel)
	}
	return nil
}

// Start subscribes to the scope channel and dispatches messages from other
// peers to h until Close is called or ctx is done. It returns once the
// subscription is active.
func (r *Relay) Start(ctx context.Context, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub != nil {
		return errors.New("relay already started")
	}

	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return errors.Wrapf(err, "subscribe to %s", r.channel)
	}
	r.pubsub = ps
	r.done = make(chan struct{})

	go r.loop(ctx, ps.Channel(), h, r.done)

	if h.syncs() {
		if err := r.send(ctx, envelope{Kind: kindSyncStep1, Update: h.StateVector()}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Relay) loop(ctx context.Context, messages <-chan *redis.Message, h Handler, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			r.dispatch(msg.Payload, h)
		}
	}
}

func (r *Relay) dispatch(payload string, h Handler) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.Warnw("relay: malformed message", "channel", r.channel, "error", err)
		return
	}
	if env.Peer == r.peer || (env.To != "" && env.To != r.peer) {
		return
	}
	switch env.Kind {
	case kindSyncStep1:
		if h.syncs() {
			r.answerSync(env, h)
		}
	case kindSyncStep2:
		if h.Update != nil && len(env.Update) > 0 {
			h.Update(env.Update)
		}
	case kindUpdate:
		if h.Update != nil {
			h.Update(env.Update)
		}
	case kindAwareness:
		if h.Awareness != nil {
			h.Awareness(env.ClientID, env.State)
		}
	default:
		r.log.Debugw("relay: unknown message kind", "kind", env.Kind)
	}
}

// answerSync sends a step 1 sender what it lacks and, unless the step 1 was
// itself a reply, asks it for what this peer lacks.
func (r *Relay) answerSync(env envelope, h Handler) {
	ctx := context.Background()
	diff, err := h.Diff(env.Update)
	if err != nil {
		r.log.Warnw("relay: sync diff failed", "peer", env.Peer, "error", err)
		return
	}
	if err := r.send(ctx, envelope{Kind: kindSyncStep2, To: env.Peer, Update: diff}); err != nil {
		r.log.Warnw("relay: sync reply failed", "peer", env.Peer, "error", err)
	}
	if env.Reply {
		return
	}
	sv := h.StateVector()
	if err := r.send(ctx, envelope{Kind: kindSyncStep1, To: env.Peer, Reply: true, Update: sv}); err != nil {
		r.log.Warnw("relay: sync request failed", "peer", env.Peer, "error", err)
	}
}

// Close ends the subscription and waits for the dispatch loop to stop.
func (r *Relay) Close() error {
	r.mu.Lock()
	ps, done := r.pubsub, r.done
	r.pubsub, r.done = nil, nil
	r.mu.Unlock()
	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}
