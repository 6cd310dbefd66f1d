package owlwhisper

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// protectedTag is the connection manager tag protecting these peers from
// connection pruning.
const protectedTag = "protected"

// protectedRegistry tracks the peers the application has marked as
// protected. Protected peers are pinned in the connection manager and, while
// auto-reconnect is enabled, reconciled back to connected with exponential
// backoff.
type protectedRegistry struct {
	transport *transportManager
	events    *EventBus
	logger    Logger
	config    *Config
	index     *routingIndex

	enabled atomic.Bool

	mu       sync.RWMutex
	members  map[peer.ID]struct{}
	attempts map[peer.ID]int
	nextTry  map[peer.ID]time.Time

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// protectedFile is the on-disk shape of the registry.
type protectedFile struct {
	Peers []string `json:"peers"`
}

func newProtectedRegistry(tm *transportManager, events *EventBus, logger Logger, cfg *Config) *protectedRegistry {
	pr := &protectedRegistry{
		transport: tm,
		events:    events,
		logger:    logger,
		config:    cfg,
		members:   make(map[peer.ID]struct{}),
		attempts:  make(map[peer.ID]int),
		nextTry:   make(map[peer.ID]time.Time),
	}
	pr.enabled.Store(true)
	return pr
}

// load restores the protected set from disk. A missing file leaves the set
// empty.
func (pr *protectedRegistry) load(path string) error {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from configuration
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading protected peers: %w", err)
	}
	var file protectedFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing protected peers: %w", err)
	}

	pr.mu.Lock()
	defer pr.mu.Unlock()
	for _, s := range file.Peers {
		p, err := peer.Decode(s)
		if err != nil {
			pr.logger.Warnf("[Protected] skipping unparseable peer ID %q in %s", s, path)
			continue
		}
		pr.members[p] = struct{}{}
		pr.transport.host.ConnManager().Protect(p, protectedTag)
	}
	return nil
}

// save writes the protected set atomically.
func (pr *protectedRegistry) save(path string) error {
	pr.mu.RLock()
	file := protectedFile{Peers: make([]string, 0, len(pr.members))}
	for p := range pr.members {
		file.Peers = append(file.Peers, p.String())
	}
	pr.mu.RUnlock()
	sort.Strings(file.Peers)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating protected peers directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling protected peers: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing protected peers: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming protected peers: %w", err)
	}
	return nil
}

// Add marks p as protected. Adding an already protected peer is a no-op.
func (pr *protectedRegistry) Add(p peer.ID) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if _, ok := pr.members[p]; ok {
		return
	}
	pr.members[p] = struct{}{}
	pr.attempts[p] = 0
	pr.transport.host.ConnManager().Protect(p, protectedTag)
	pr.logger.Infof("[Protected] added %s", p.ShortString())
}

// Remove unmarks p. Removing a non-member is a no-op.
func (pr *protectedRegistry) Remove(p peer.ID) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if _, ok := pr.members[p]; !ok {
		return
	}
	delete(pr.members, p)
	delete(pr.attempts, p)
	delete(pr.nextTry, p)
	pr.transport.host.ConnManager().Unprotect(p, protectedTag)
	pr.logger.Infof("[Protected] removed %s", p.ShortString())
}

// Is reports whether p is protected.
func (pr *protectedRegistry) Is(p peer.ID) bool {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	_, ok := pr.members[p]
	return ok
}

// List returns the protected peers.
func (pr *protectedRegistry) List() []peer.ID {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	out := make([]peer.ID, 0, len(pr.members))
	for p := range pr.members {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Attempts returns the current consecutive reconnect attempt count for p.
func (pr *protectedRegistry) Attempts(p peer.ID) int {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	return pr.attempts[p]
}

// SetAutoReconnect toggles the reconciliation behavior without touching the
// protected set itself.
func (pr *protectedRegistry) SetAutoReconnect(on bool) {
	pr.enabled.Store(on)
	pr.logger.Infof("[Protected] auto-reconnect enabled=%v", on)
}

// AutoReconnect reports whether reconciliation is active.
func (pr *protectedRegistry) AutoReconnect() bool {
	return pr.enabled.Load()
}

// peerConnected resets backoff state after a successful connection.
func (pr *protectedRegistry) peerConnected(p peer.ID) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if _, ok := pr.members[p]; !ok {
		return
	}
	pr.attempts[p] = 0
	delete(pr.nextTry, p)
}

// start launches the reconciliation loop.
func (pr *protectedRegistry) start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	pr.cancelLoop = cancel
	pr.loopDone = make(chan struct{})
	go pr.runReconciler(loopCtx)
}

// stop halts reconciliation and waits for the loop to exit.
func (pr *protectedRegistry) stop() {
	if pr.cancelLoop != nil {
		pr.cancelLoop()
		<-pr.loopDone
	}
}

// runReconciler periodically redials disconnected protected peers. Each
// failed attempt doubles the wait before the next one, capped at BackoffMax,
// with jitter so a cluster of peers does not retry in lockstep.
func (pr *protectedRegistry) runReconciler(ctx context.Context) {
	defer close(pr.loopDone)

	ticker := time.NewTicker(pr.config.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !pr.enabled.Load() {
				continue
			}
			pr.reconcile(ctx)
		}
	}
}

func (pr *protectedRegistry) reconcile(ctx context.Context) {
	now := time.Now()

	if pr.index != nil {
		pr.index.verifyProtected(pr.List())
	}

	pr.mu.Lock()
	due := make([]peer.ID, 0)
	for p := range pr.members {
		if pr.transport.IsConnected(p) {
			continue
		}
		if next, ok := pr.nextTry[p]; ok && now.Before(next) {
			continue
		}
		due = append(due, p)
	}
	pr.mu.Unlock()

	for _, p := range due {
		pr.mu.Lock()
		pr.attempts[p]++
		attempt := pr.attempts[p]
		delay := withJitter(backoffSchedule(attempt, pr.config.BackoffBase, pr.config.BackoffMax), pr.config.BackoffMax)
		pr.nextTry[p] = now.Add(delay)
		pr.mu.Unlock()

		pr.events.Publish(EventReconnectAttempted, ReconnectPayload{
			PeerID:      p.String(),
			Attempt:     attempt,
			NextDelayMS: delay.Milliseconds(),
		})

		addrs := pr.transport.host.Peerstore().Addrs(p)
		pr.logger.Debugf("[Protected] reconnect attempt %d for %s (next in %s)", attempt, p.ShortString(), delay)
		if err := pr.transport.Connect(ctx, p, addrs); err != nil {
			pr.logger.Debugf("[Protected] reconnect to %s failed: %v", p.ShortString(), err)
			continue
		}
		pr.peerConnected(p)
	}
}

// backoffSchedule returns the wait after the given attempt number (1-based):
// base doubled per attempt, capped at max. It is deliberately deterministic;
// jitter is applied separately.
func backoffSchedule(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// withJitter spreads d by ±20%, clamped so the jittered delay never exceeds
// max. At the cap jitter can only shorten the wait.
func withJitter(d, max time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64() // #nosec G404 - jitter, not security
	j := time.Duration(float64(d) * f)
	if j > max {
		return max
	}
	return j
}
