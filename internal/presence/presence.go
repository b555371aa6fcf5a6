// Package presence tracks which sessions are currently on a shared
// channel. Each session holds a TTL'd Redis key refreshed by heartbeat;
// joins and leaves are announced over pub/sub, and a full roster sync
// walks the keyspace so late joiners see everyone already there.
package presence

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/avoronov/syncboard/internal/obslog"
)

const (
	keyTTL            = 30 * time.Second
	heartbeatInterval = 10 * time.Second
)

// Member is one tracked session on a channel.
type Member struct {
	SessionID string    `json:"session_id"`
	Username  string    `json:"username"`
	JoinedAt  time.Time `json:"joined_at"`
}

type announcement struct {
	Action string `json:"action"` // "join" or "leave"
	Member Member `json:"member"`
}

// Tracker maintains this session's presence on one channel and observes
// everyone else's.
type Tracker struct {
	rdb     *redis.Client
	channel string
	self    Member

	onJoin  func(Member)
	onLeave func(Member)
	onSync  func([]Member)

	mu      sync.Mutex
	roster  map[string]Member
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewTracker(rdb *redis.Client, channel, sessionID, username string) *Tracker {
	return &Tracker{
		rdb:     rdb,
		channel: channel,
		self:    Member{SessionID: sessionID, Username: username, JoinedAt: time.Now()},
		roster:  make(map[string]Member),
	}
}

func (t *Tracker) OnJoin(fn func(Member))   { t.onJoin = fn }
func (t *Tracker) OnLeave(fn func(Member))  { t.onLeave = fn }
func (t *Tracker) OnSync(fn func([]Member)) { t.onSync = fn }

func (t *Tracker) keySelf() string   { return t.keyFor(t.self.SessionID) }
func (t *Tracker) keyFor(id string) string {
	return "presence:" + t.channel + ":" + id
}
func (t *Tracker) announceChannel() string { return "presence-ann:" + t.channel }

// Join registers this session, announces it, and starts the heartbeat
// and announcement listener. The initial roster sync fires OnSync once
// the keyspace walk completes.
func (t *Tracker) Join(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.mu.Unlock()

	raw, err := json.Marshal(t.self)
	if err != nil {
		return err
	}
	if err := t.rdb.Set(ctx, t.keySelf(), raw, keyTTL).Err(); err != nil {
		return err
	}

	ann, _ := json.Marshal(announcement{Action: "join", Member: t.self})
	if err := t.rdb.Publish(ctx, t.announceChannel(), ann).Err(); err != nil {
		obslog.L().Warn("presence join announce failed", zap.Error(err))
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	pubsub := t.rdb.Subscribe(loopCtx, t.announceChannel())
	if _, err := pubsub.Receive(loopCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		return err
	}

	t.mu.Lock()
	t.pubsub = pubsub
	t.cancel = cancel
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.run(loopCtx, pubsub)

	if err := t.Sync(ctx); err != nil {
		obslog.L().Warn("initial presence sync failed", zap.Error(err))
	}
	return nil
}

func (t *Tracker) run(ctx context.Context, pubsub *redis.PubSub) {
	defer close(t.done)
	hb := time.NewTicker(heartbeatInterval)
	defer hb.Stop()
	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-hb.C:
			hbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			raw, _ := json.Marshal(t.self)
			if err := t.rdb.Set(hbCtx, t.keySelf(), raw, keyTTL).Err(); err != nil {
				obslog.L().Warn("presence heartbeat failed", zap.Error(err))
			}
			cancel()
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			t.handleAnnouncement([]byte(msg.Payload))
		}
	}
}

func (t *Tracker) handleAnnouncement(raw []byte) {
	var ann announcement
	if err := json.Unmarshal(raw, &ann); err != nil {
		obslog.L().Warn("discarding malformed presence announcement", zap.Error(err))
		return
	}
	if ann.Member.SessionID == t.self.SessionID {
		return
	}
	switch ann.Action {
	case "join":
		t.mu.Lock()
		_, known := t.roster[ann.Member.SessionID]
		t.roster[ann.Member.SessionID] = ann.Member
		t.mu.Unlock()
		if !known && t.onJoin != nil {
			t.onJoin(ann.Member)
		}
	case "leave":
		t.mu.Lock()
		_, known := t.roster[ann.Member.SessionID]
		delete(t.roster, ann.Member.SessionID)
		t.mu.Unlock()
		if known && t.onLeave != nil {
			t.onLeave(ann.Member)
		}
	}
}

// Sync rebuilds the roster from the live keyspace. Sessions whose TTL
// lapsed without a leave announcement fall out here.
func (t *Tracker) Sync(ctx context.Context) error {
	pattern := t.keyFor("*")
	fresh := make(map[string]Member)
	iter := t.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		raw, err := t.rdb.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return err
		}
		var m Member
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		if m.SessionID == t.self.SessionID {
			continue
		}
		fresh[m.SessionID] = m
	}
	if err := iter.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	t.roster = fresh
	members := make([]Member, 0, len(fresh))
	for _, m := range fresh {
		members = append(members, m)
	}
	t.mu.Unlock()

	if t.onSync != nil {
		t.onSync(members)
	}
	return nil
}

// Count is the number of sessions on the channel including this one.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.roster) + 1
}

// Members returns the others currently tracked, self excluded.
func (t *Tracker) Members() []Member {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Member, 0, len(t.roster))
	for _, m := range t.roster {
		out = append(out, m)
	}
	return out
}

// Leave announces departure and stops the heartbeat.
func (t *Tracker) Leave(ctx context.Context) error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = false
	pubsub, cancel, done := t.pubsub, t.cancel, t.done
	t.pubsub, t.cancel, t.done = nil, nil, nil
	t.mu.Unlock()

	ann, _ := json.Marshal(announcement{Action: "leave", Member: t.self})
	if err := t.rdb.Publish(ctx, t.announceChannel(), ann).Err(); err != nil {
		obslog.L().Warn("presence leave announce failed", zap.Error(err))
	}
	if err := t.rdb.Del(ctx, t.keySelf()).Err(); err != nil && !strings.Contains(err.Error(), "closed") {
		obslog.L().Warn("presence key delete failed", zap.Error(err))
	}

	if cancel != nil {
		cancel()
	}
	if pubsub != nil {
		_ = pubsub.Close()
	}
	if done != nil {
		<-done
	}
	return nil
}
