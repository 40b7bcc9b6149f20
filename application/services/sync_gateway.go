package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"treechat/application/ports"
	"treechat/domain/core/valueobjects"
	pkgerrors "treechat/pkg/errors"
	"treechat/pkg/observability"
	"treechat/pkg/utils"
)

// ReadSource tells where a read-through value came from.
type ReadSource string

const (
	SourceCache  ReadSource = "cache"
	SourceRemote ReadSource = "remote"
	SourceStale  ReadSource = "stale"
)

// WriteOutcome is the result of a verified write.
type WriteOutcome string

const (
	WriteConfirmed WriteOutcome = "confirmed"
	WriteFellBack  WriteOutcome = "fell_back"
	WriteAbandoned WriteOutcome = "abandoned"
)

var errNotConfirmed = errors.New("write not yet visible")

// GatewayConfig tunes the gateway's I/O policy.
type GatewayConfig struct {
	CacheTTL      time.Duration
	CallTimeout   time.Duration
	Retry         utils.RetryConfig
	VerifyBackoff utils.RetryConfig
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		CacheTTL:    60 * time.Second,
		CallTimeout: 10 * time.Second,
		Retry:       utils.DefaultRetryConfig(),
		VerifyBackoff: utils.RetryConfig{
			MaxAttempts:   3,
			BaseDelay:     500 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			BackoffFactor: 2,
		},
	}
}

// SyncGateway fronts the remote API and the local cache. It is the only
// component that performs I/O.
type SyncGateway struct {
	remote  ports.RemoteAPI
	cache   ports.LocalCache
	cfg     GatewayConfig
	tracer  *observability.Tracer
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewSyncGateway(remote ports.RemoteAPI, cache ports.LocalCache, cfg GatewayConfig,
	tracer *observability.Tracer, metrics *observability.Metrics, logger *zap.Logger) *SyncGateway {
	if tracer == nil {
		tracer = observability.NoopTracer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncGateway{
		remote:  remote,
		cache:   cache,
		cfg:     cfg,
		tracer:  tracer,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

type cacheEnvelope struct {
	Data     json.RawMessage `json:"data"`
	StoredAt time.Time       `json:"stored_at"`
}

// ReadThrough returns the cached value under key while it is fresh.
// Otherwise it calls fetch and caches the result. When fetch fails the last
// cached value is returned even if expired; with nothing cached the fetch
// error propagates.
func ReadThrough[T any](ctx context.Context, g *SyncGateway, key string, fetch func(context.Context) (T, error)) (T, ReadSource, error) {
	var zero T

	cached, storedAt, found := readEnvelope[T](ctx, g, key)
	if found && g.now().Sub(storedAt) < g.cfg.CacheTTL {
		g.metrics.RecordCacheRead("hit")
		return cached, SourceCache, nil
	}

	fresh, err := fetch(ctx)
	if err != nil {
		if found {
			g.metrics.RecordCacheRead("stale")
			g.logger.Warn("Serving stale cache entry",
				zap.String("key", key),
				zap.Time("stored_at", storedAt),
				zap.Error(err),
			)
			return cached, SourceStale, nil
		}
		return zero, "", err
	}
	g.metrics.RecordCacheRead("miss")

	data, err := json.Marshal(fresh)
	if err == nil {
		env, _ := json.Marshal(cacheEnvelope{Data: data, StoredAt: g.now()})
		err = g.cache.Set(ctx, key, env)
	}
	if err != nil {
		g.logger.Warn("Failed to cache remote value", zap.String("key", key), zap.Error(err))
	}
	return fresh, SourceRemote, nil
}

func readEnvelope[T any](ctx context.Context, g *SyncGateway, key string) (T, time.Time, bool) {
	var out T
	raw, found, err := g.cache.Get(ctx, key)
	if err != nil {
		g.logger.Warn("Cache read failed", zap.String("key", key), zap.Error(err))
		return out, time.Time{}, false
	}
	if !found {
		return out, time.Time{}, false
	}
	var env cacheEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		g.logger.Warn("Dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		return out, time.Time{}, false
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		g.logger.Warn("Dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		return out, time.Time{}, false
	}
	return out, env.StoredAt, true
}

// VerifiedWrite describes a write whose effect must be read back.
type VerifiedWrite struct {
	Name string
	// Write performs the primary write.
	Write func(ctx context.Context) error
	// Verify reports whether the intended post-state is visible.
	Verify func(ctx context.Context) (bool, error)
	// Fallback is the alternate write path used when Verify never matches.
	Fallback func(ctx context.Context) error
	// MaxAttempts bounds Verify calls; zero uses the gateway default.
	MaxAttempts int
}

// WriteThenVerify performs w.Write, then polls w.Verify with backoff. If the
// write fails or is never confirmed the fallback runs and a
// VerificationMismatch warning is returned. The returned error is always
// recoverable.
func (g *SyncGateway) WriteThenVerify(ctx context.Context, w VerifiedWrite) (WriteOutcome, error) {
	writeErr := g.call(ctx, w.Name, func(ctx context.Context) error { return w.Write(ctx) })

	attempts := w.MaxAttempts
	if writeErr == nil {
		verifyCfg := g.cfg.VerifyBackoff
		if attempts > 0 {
			verifyCfg.MaxAttempts = attempts
		}
		attempts = verifyCfg.MaxAttempts
		err := utils.RetryWithBackoff(ctx, verifyCfg, nil, func(ctx context.Context) error {
			ok, err := w.Verify(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return errNotConfirmed
			}
			return nil
		})
		if err == nil {
			return WriteConfirmed, nil
		}
		writeErr = err
	}

	mismatch := pkgerrors.NewVerificationMismatchError(w.Name, attempts).WithCause(writeErr)
	g.logger.Warn("Write not confirmed, using fallback path",
		zap.String("operation", w.Name),
		zap.Error(writeErr),
	)
	g.metrics.RecordFallback(ctx, w.Name)

	if w.Fallback == nil {
		return WriteAbandoned, mismatch
	}
	if err := w.Fallback(ctx); err != nil {
		g.logger.Error("Fallback write failed", zap.String("operation", w.Name), zap.Error(err))
		return WriteAbandoned, mismatch.WithDetail("fallback_error", err.Error())
	}
	return WriteFellBack, mismatch
}

// call runs one remote operation with a per-attempt timeout, bounded retry
// on RemoteUnavailable, tracing and metrics.
func (g *SyncGateway) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return g.tracer.TraceFunction(ctx, "remote."+op, func(ctx context.Context) error {
		start := g.now()
		err := utils.RetryWithBackoff(ctx, g.cfg.Retry, isRetryable, func(ctx context.Context) error {
			if g.cfg.CallTimeout <= 0 {
				return fn(ctx)
			}
			attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
			defer cancel()
			return fn(attemptCtx)
		})
		g.metrics.RecordRemoteCall(op, g.now().Sub(start), err)
		if err != nil && pkgerrors.GetAppError(err) == nil {
			err = pkgerrors.NewRemoteUnavailableError(op, err)
		}
		return err
	})
}

func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return pkgerrors.IsType(err, pkgerrors.ErrorTypeRemoteUnavailable)
}

// Remote operations

func (g *SyncGateway) CreateSession(ctx context.Context, name string) (*ports.RemoteSession, error) {
	var out *ports.RemoteSession
	err := g.call(ctx, "createSession", func(ctx context.Context) (err error) {
		out, err = g.remote.CreateSession(ctx, name)
		return err
	})
	return out, err
}

func (g *SyncGateway) DeleteSession(ctx context.Context, id valueobjects.SessionID) error {
	return g.call(ctx, "deleteSession", func(ctx context.Context) error {
		return g.remote.DeleteSession(ctx, id.String())
	})
}

// LoadSession reads the session through the cache.
func (g *SyncGateway) LoadSession(ctx context.Context, id valueobjects.SessionID) (*ports.RemoteSession, ReadSource, error) {
	return ReadThrough(ctx, g, remoteSessionKey(id.String()), func(ctx context.Context) (*ports.RemoteSession, error) {
		var out *ports.RemoteSession
		err := g.call(ctx, "getSession", func(ctx context.Context) (err error) {
			out, err = g.remote.GetSession(ctx, id.String())
			return err
		})
		return out, err
	})
}

// LoadTree reads the session tree, answers included, through the cache.
func (g *SyncGateway) LoadTree(ctx context.Context, id valueobjects.SessionID) (*ports.RemoteTree, ReadSource, error) {
	return ReadThrough(ctx, g, remoteTreeKey(id.String()), func(ctx context.Context) (*ports.RemoteTree, error) {
		var out *ports.RemoteTree
		err := g.call(ctx, "getTree", func(ctx context.Context) (err error) {
			out, err = g.remote.GetTree(ctx, id.String(), true)
			return err
		})
		return out, err
	})
}

// LoadQAPairs reads the question/answer pairs of one node through the cache.
func (g *SyncGateway) LoadQAPairs(ctx context.Context, id valueobjects.NodeID) ([]ports.QAPair, ReadSource, error) {
	return ReadThrough(ctx, g, remoteQAKey(id.String()), func(ctx context.Context) ([]ports.QAPair, error) {
		var out []ports.QAPair
		err := g.call(ctx, "listQAPairs", func(ctx context.Context) (err error) {
			out, err = g.remote.ListQAPairs(ctx, id.String())
			return err
		})
		return out, err
	})
}

// LoadContext reads the server-side pointer of a context through the cache.
func (g *SyncGateway) LoadContext(ctx context.Context, ref valueobjects.ContextRef) (*ports.RemoteContext, ReadSource, error) {
	return ReadThrough(ctx, g, remoteContextKey(ref.Key()), func(ctx context.Context) (*ports.RemoteContext, error) {
		var out *ports.RemoteContext
		err := g.call(ctx, "getContext", func(ctx context.Context) (err error) {
			out, err = g.remote.GetContext(ctx, ref.Key())
			return err
		})
		return out, err
	})
}

func (g *SyncGateway) CreateNode(ctx context.Context, req ports.CreateNodeRequest) (*ports.RemoteNode, error) {
	var out *ports.RemoteNode
	err := g.call(ctx, "createNode", func(ctx context.Context) (err error) {
		out, err = g.remote.CreateNode(ctx, req)
		return err
	})
	return out, err
}

func (g *SyncGateway) Ask(ctx context.Context, nodeID valueobjects.NodeID, question string) (*ports.QAPair, error) {
	var out *ports.QAPair
	err := g.call(ctx, "ask", func(ctx context.Context) (err error) {
		out, err = g.remote.Ask(ctx, nodeID.String(), question)
		return err
	})
	if err == nil && out == nil {
		err = pkgerrors.NewRemoteUnavailableError("ask", errors.New("empty response"))
	}
	return out, err
}

// MoveContextPointer moves the server-side active node of ref and confirms
// it by reading the context back. When that fails the pointer is persisted
// locally instead.
func (g *SyncGateway) MoveContextPointer(ctx context.Context, ref valueobjects.ContextRef, active valueobjects.NodeID) (WriteOutcome, error) {
	outcome, err := g.WriteThenVerify(ctx, VerifiedWrite{
		Name: "updateContext",
		Write: func(ctx context.Context) error {
			_, err := g.remote.UpdateContext(ctx, ref.Key(), active.String())
			return err
		},
		Verify: func(ctx context.Context) (bool, error) {
			got, err := g.remote.GetContext(ctx, ref.Key())
			if err != nil {
				return false, err
			}
			return got != nil && got.ActiveNodeID == active.String(), nil
		},
		Fallback: func(ctx context.Context) error {
			return g.PutJSON(ctx, PointerKey(ref), PointerRecord{
				Context:      ref.Key(),
				ActiveNodeID: active.String(),
				UpdatedAt:    g.now(),
			})
		},
	})
	if outcome == WriteConfirmed {
		// The server now owns the pointer; a local copy would shadow it on reload.
		_ = g.DeleteKeys(ctx, PointerKey(ref), remoteContextKey(ref.Key()))
	}
	return outcome, err
}

// Local mirror

// PutJSON stores v under key.
func (g *SyncGateway) PutJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := g.cache.Set(ctx, key, data); err != nil {
		return pkgerrors.NewCacheError("set", err).WithDetail("key", key)
	}
	return nil
}

// GetJSON loads key into v and reports whether it was present.
func (g *SyncGateway) GetJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	data, found, err := g.cache.Get(ctx, key)
	if err != nil {
		return false, pkgerrors.NewCacheError("get", err).WithDetail("key", key)
	}
	if !found {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// DeleteKeys removes keys, logging rather than stopping on failures, and
// returns the first error seen.
func (g *SyncGateway) DeleteKeys(ctx context.Context, keys ...string) error {
	var first error
	for _, k := range keys {
		if err := g.cache.Delete(ctx, k); err != nil {
			g.logger.Warn("Failed to delete cache key", zap.String("key", k), zap.Error(err))
			if first == nil {
				first = pkgerrors.NewCacheError("delete", err).WithDetail("key", k)
			}
		}
	}
	return first
}

// AppendEdge adds an edge to the session's cached edge list.
func (g *SyncGateway) AppendEdge(ctx context.Context, session valueobjects.SessionID, e EdgeRecord) error {
	var edges []EdgeRecord
	if _, err := g.GetJSON(ctx, EdgesKey(session), &edges); err != nil {
		return err
	}
	for _, existing := range edges {
		if existing == e {
			return nil
		}
	}
	return g.PutJSON(ctx, EdgesKey(session), append(edges, e))
}

// LocalPointer returns the locally persisted pointer of ref, if any.
func (g *SyncGateway) LocalPointer(ctx context.Context, ref valueobjects.ContextRef) (valueobjects.NodeID, bool) {
	var rec PointerRecord
	found, err := g.GetJSON(ctx, PointerKey(ref), &rec)
	if err != nil || !found || rec.ActiveNodeID == "" {
		return valueobjects.NodeID{}, false
	}
	id, err := valueobjects.NewNodeIDFromString(rec.ActiveNodeID)
	if err != nil {
		return valueobjects.NodeID{}, false
	}
	return id, true
}

// ForgetSession drops every cached entry of a session: its records, the
// given nodes and contexts, and the remote read-through copies.
func (g *SyncGateway) ForgetSession(ctx context.Context, session valueobjects.SessionID,
	nodes []valueobjects.NodeID, contexts []valueobjects.ContextRef) error {
	keys := []string{
		SessionKey(session),
		EdgesKey(session),
		remoteSessionKey(session.String()),
		remoteTreeKey(session.String()),
	}
	for _, id := range nodes {
		keys = append(keys, NodeKey(id), MessagesKey(id), remoteQAKey(id.String()))
	}
	for _, ref := range contexts {
		keys = append(keys, PointerKey(ref), remoteContextKey(ref.Key()))
	}
	return g.DeleteKeys(ctx, keys...)
}

// InvalidateTree drops the read-through copy of a session's tree, and of the
// given nodes' pairs, after a local mutation so the next load sees it.
func (g *SyncGateway) InvalidateTree(ctx context.Context, session valueobjects.SessionID, nodes ...valueobjects.NodeID) {
	keys := []string{remoteTreeKey(session.String())}
	for _, id := range nodes {
		keys = append(keys, remoteQAKey(id.String()))
	}
	_ = g.DeleteKeys(ctx, keys...)
}
