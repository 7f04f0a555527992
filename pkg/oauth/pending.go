package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeremyhahn/go-tokenkit/pkg/storage"
)

// FlowState is the position of one authorization request in the
// authorization code flow.
type FlowState int

const (
	FlowIdle FlowState = iota
	FlowRequestBuilt
	FlowAwaitingRedirect
	FlowCodeReceived
	FlowTokenExchanged
	FlowComplete
	FlowFailed
)

var flowStateNames = map[FlowState]string{
	FlowIdle:             "idle",
	FlowRequestBuilt:     "request_built",
	FlowAwaitingRedirect: "awaiting_redirect",
	FlowCodeReceived:     "code_received",
	FlowTokenExchanged:   "token_exchanged",
	FlowComplete:         "complete",
	FlowFailed:           "failed",
}

// String implements fmt.Stringer.
func (s FlowState) String() string {
	if name, ok := flowStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("FlowState(%d)", int(s))
}

// flowTransitions lists the legal forward transitions. Any non-terminal
// state may also move to FlowFailed.
var flowTransitions = map[FlowState]FlowState{
	FlowIdle:             FlowRequestBuilt,
	FlowRequestBuilt:     FlowAwaitingRedirect,
	FlowAwaitingRedirect: FlowCodeReceived,
	FlowCodeReceived:     FlowTokenExchanged,
	FlowTokenExchanged:   FlowComplete,
}

// Terminal reports whether no further transitions are possible.
func (s FlowState) Terminal() bool {
	return s == FlowComplete || s == FlowFailed
}

// PendingRecord correlates an authorization request with its redirect.
// It carries the PKCE verifier and nonce and is consumed by the first
// redirect that presents its state.
type PendingRecord struct {
	State         string    `json:"state"`
	Nonce         string    `json:"nonce"`
	CodeVerifier  string    `json:"code_verifier"`
	Authority     string    `json:"authority"`
	ClientID      string    `json:"client_id"`
	RedirectURI   string    `json:"redirect_uri"`
	Scopes        []string  `json:"scopes"`
	CorrelationID string    `json:"correlation_id"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	FlowState     FlowState `json:"flow_state"`
}

// transition moves the record to next, rejecting illegal moves.
func (r *PendingRecord) transition(next FlowState) error {
	if r.FlowState.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, r.FlowState)
	}
	if next == FlowFailed || flowTransitions[r.FlowState] == next {
		r.FlowState = next
		return nil
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, r.FlowState, next)
}

// pendingStore holds pending records until their redirect arrives or they
// expire. Storage is the source of truth: every change reads the persisted
// set, applies the change and writes it back before the call returns, so a
// redirect can be completed by any process sharing the storage.
type pendingStore struct {
	mu      sync.Mutex
	records map[string]*PendingRecord
	storage storage.Storage
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger
	cleanup *time.Ticker
	done    chan struct{}
	once    sync.Once
}

// newPendingStore creates a store and checks that storage is readable.
func newPendingStore(ctx context.Context, store storage.Storage, ttl time.Duration, now func() time.Time, logger *zap.Logger) (*pendingStore, error) {
	if ttl <= 0 {
		ttl = defaultPendingTTL
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ps := &pendingStore{
		records: make(map[string]*PendingRecord),
		storage: store,
		ttl:     ttl,
		now:     now,
		logger:  logger,
	}

	records, err := ps.read(ctx)
	if err != nil {
		return nil, err
	}
	ps.records = records

	ps.cleanup = time.NewTicker(ttl / 2)
	ps.done = make(chan struct{})
	go ps.cleanupLoop()

	return ps, nil
}

// read must be called with the lock held or before the store is shared.
func (ps *pendingStore) read(ctx context.Context) (map[string]*PendingRecord, error) {
	records := make(map[string]*PendingRecord)

	data, err := ps.storage.Read(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return records, nil
		}
		return nil, fmt.Errorf("load pending requests: %w", err)
	}
	if len(data) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse pending requests: %w", err)
	}
	maps.DeleteFunc(records, func(_ string, rec *PendingRecord) bool { return rec == nil })
	return records, nil
}

// update applies fn to the persisted set and writes it back.
func (ps *pendingStore) update(ctx context.Context, fn func(map[string]*PendingRecord)) error {
	records, err := ps.read(ctx)
	if err != nil {
		return err
	}
	fn(records)

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("serialize pending requests: %w", err)
	}
	if err := ps.storage.Write(ctx, data); err != nil {
		return fmt.Errorf("persist pending requests: %w", err)
	}
	ps.records = records
	return nil
}

// put stores rec and persists it.
func (ps *pendingStore) put(ctx context.Context, rec *PendingRecord) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	return ps.update(ctx, func(records map[string]*PendingRecord) {
		records[rec.State] = rec
	})
}

// take removes and returns the record for state. Unknown, already used or
// expired states yield ErrStateMismatch.
func (ps *pendingStore) take(ctx context.Context, state string) (*PendingRecord, error) {
	if state == "" {
		return nil, fmt.Errorf("%w: missing state", ErrStateMismatch)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	var rec *PendingRecord
	err := ps.update(ctx, func(records map[string]*PendingRecord) {
		rec = records[state]
		delete(records, state)
	})
	if err != nil {
		return nil, err
	}

	if rec == nil {
		return nil, fmt.Errorf("%w: unknown state", ErrStateMismatch)
	}
	if !ps.now().Before(rec.ExpiresAt) {
		return nil, fmt.Errorf("%w: request expired", ErrStateMismatch)
	}
	return rec, nil
}

func (ps *pendingStore) cleanupLoop() {
	for {
		select {
		case <-ps.cleanup.C:
			ps.cleanupExpired()
		case <-ps.done:
			return
		}
	}
}

// cleanupExpired removes all expired records from the store.
func (ps *pendingStore) cleanupExpired() {
	now := ps.now()

	ps.mu.Lock()
	defer ps.mu.Unlock()

	err := ps.update(context.Background(), func(records map[string]*PendingRecord) {
		maps.DeleteFunc(records, func(_ string, rec *PendingRecord) bool {
			return !now.Before(rec.ExpiresAt)
		})
	})
	if err != nil {
		ps.logger.Warn("pending request cleanup failed", zap.Error(err))
	}
}

// states returns the pending states, sorted.
func (ps *pendingStore) states() []string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return slices.Sorted(maps.Keys(ps.records))
}

// Close stops the cleanup goroutine.
func (ps *pendingStore) Close() {
	ps.once.Do(func() {
		if ps.cleanup != nil {
			ps.cleanup.Stop()
			close(ps.done)
		}
	})
}
