package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/justSteve/claude-flow/checkpoint"
	"github.com/justSteve/claude-flow/core"
	"github.com/justSteve/claude-flow/observability"
)

// EngineConfig tunes round retry and checkpoint behavior.
type EngineConfig struct {
	// RoundTimeout bounds one round attempt.
	RoundTimeout time.Duration
	// MaxRetries is how many fresh rounds are attempted after a retryable
	// consensus error before the group degrades.
	MaxRetries int
	// Backoff is the initial delay between retries; it doubles per attempt
	// up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	// CheckpointRetries bounds retry of a failed checkpoint write. While the
	// write keeps failing the decision is not reported final.
	CheckpointRetries int
}

// DefaultEngineConfig returns the retry tuning used when a group doesn't
// override it.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		RoundTimeout:      2 * time.Second,
		MaxRetries:        3,
		Backoff:           50 * time.Millisecond,
		MaxBackoff:        time.Second,
		CheckpointRetries: 3,
	}
}

// Engine drives the active protocol through the common round envelope. It
// owns round-number monotonicity, the participant snapshot per round,
// retry with fresh round numbers and capped exponential backoff, and
// checkpoint-gated finality.
type Engine struct {
	mu        sync.Mutex
	groupID   string
	protocol  Protocol
	store     checkpoint.Store
	cfg       EngineConfig
	sink      *observability.Sink
	lastRound uint64
	rounds    map[uint64]*core.ConsensusRound
	degraded  bool
	paused    bool
}

// NewEngine wires a protocol to its durable store. The sink may be nil.
func NewEngine(groupID string, protocol Protocol, store checkpoint.Store, cfg EngineConfig, sink *observability.Sink) *Engine {
	if cfg.RoundTimeout <= 0 {
		cfg = DefaultEngineConfig()
	}
	return &Engine{
		groupID:  groupID,
		protocol: protocol,
		store:    store,
		cfg:      cfg,
		sink:     sink,
		rounds:   make(map[uint64]*core.ConsensusRound),
	}
}

// Recover loads the last durable round number so numbers stay strictly
// increasing across restarts.
func (e *Engine) Recover() error {
	rec, err := e.store.Get(e.groupID)
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("recover group %s: %w", e.groupID, err)
	}
	e.mu.Lock()
	if rec.Round > e.lastRound {
		e.lastRound = rec.Round
	}
	e.mu.Unlock()
	return nil
}

// Degraded reports whether the group fell into best-effort mode after
// repeated consensus failure.
func (e *Engine) Degraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.degraded
}

// Paused reports whether new rounds are held off because the checkpoint
// store is unavailable.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Round returns the envelope of a finished or in-flight round.
func (e *Engine) Round(n uint64) (*core.ConsensusRound, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rounds[n]
	return r, ok
}

// LastRound returns the highest round number issued so far.
func (e *Engine) LastRound() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRound
}

func (e *Engine) nextRound(participants []string) *core.ConsensusRound {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastRound++
	r := &core.ConsensusRound{
		Round:        e.lastRound,
		Protocol:     e.protocol.Kind(),
		Participants: append([]string(nil), participants...),
	}
	e.rounds[r.Round] = r
	return r
}

func retryable(err error) bool {
	return errors.Is(err, core.ErrRoundTimeout) || errors.Is(err, core.ErrQuorumUnreachable)
}

// Propose runs consensus on a value with the given participant snapshot.
// Retryable round failures get a fresh round number and backed-off retry;
// past the ceiling the group degrades but stays alive. The returned round is
// final: its decision has been durably checkpointed.
func (e *Engine) Propose(ctx context.Context, value json.RawMessage, participants []string) (*core.ConsensusRound, error) {
	e.mu.Lock()
	if e.paused {
		e.mu.Unlock()
		return nil, fmt.Errorf("group %s paused: %w", e.groupID, core.ErrCheckpointWriteFailed)
	}
	e.mu.Unlock()

	backoff := e.cfg.Backoff
	var lastErr error

	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > e.cfg.MaxBackoff {
				backoff = e.cfg.MaxBackoff
			}
		}

		round := e.nextRound(participants)
		round.Proposed = value

		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.RoundTimeout)
		err := e.protocol.ProposeRound(attemptCtx, round)
		cancel()

		if err != nil {
			lastErr = err
			if retryable(err) {
				continue
			}
			return nil, err
		}

		if err := e.commit(round); err != nil {
			return nil, err
		}
		return round, nil
	}

	e.mu.Lock()
	e.degraded = true
	e.mu.Unlock()
	if e.sink != nil {
		e.sink.Emit("GROUP_DEGRADED", e.groupID, map[string]any{"error": lastErr.Error()})
	}
	return nil, fmt.Errorf("group %s degraded after %d attempts: %w", e.groupID, e.cfg.MaxRetries+1, lastErr)
}

// commit persists the decision. The round is not reported final until the
// write succeeds; if the store stays unavailable the group pauses new
// rounds rather than risk divergent state.
func (e *Engine) commit(round *core.ConsensusRound) error {
	rec := core.CheckpointRecord{
		GroupID:  e.groupID,
		Protocol: round.Protocol,
		Round:    round.Round,
		State:    core.EncodeJSON(round),
	}

	var err error
	for attempt := 0; attempt <= e.cfg.CheckpointRetries; attempt++ {
		if err = e.store.Put(e.groupID, rec); err == nil {
			round.DecidedAt = time.Now()
			if e.sink != nil {
				e.sink.Emit("ROUND_DECIDED", e.groupID, map[string]any{
					"round":    round.Round,
					"protocol": string(round.Protocol),
				})
			}
			return nil
		}
		time.Sleep(e.cfg.Backoff)
	}

	// Persistent store failure: withdraw the decision and pause.
	round.Decision = nil
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	return fmt.Errorf("group %s round %d: %w: %v", e.groupID, round.Round, core.ErrCheckpointWriteFailed, err)
}

// Resume lifts the checkpoint pause once the store is reachable again.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
}

// Protocol exposes the active variant for status and direct feeds.
func (e *Engine) Protocol() Protocol { return e.protocol }
