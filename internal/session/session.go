// Package session implements the Session Manager: a single
// pooled connection to the graph store, with retry-aware execution that
// classifies transient vs. fatal failures before handing batches back to
// the Batcher & Writer. Grounded on the exponential-backoff + jitter
// retry idiom used elsewhere in this module family for queued operations
// (executeQueuedOperation), generalized from a local operation queue to a
// remote managed-transaction call.
package session

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/cadgraph-io/ingest/internal/debug"
	"github.com/cadgraph-io/ingest/internal/ingesterrors"
)

// Config mirrors the graph-store connection settings.
type Config struct {
	URI      string
	Username string
	Password string
	Database string

	MaxConnectionLifetime       time.Duration
	MaxConnectionPoolSize       int
	ConnectionAcquisitionTimeout time.Duration
	MaxRetries                  int
}

// equivalentConnection reports whether two configs would produce the same
// driver, ignoring retry tuning that doesn't affect the underlying
// connection: the driver is reused across ingests when configuration is
// unchanged, and recreated only on a real configuration change.
func (c Config) equivalentConnection(other Config) bool {
	return c.URI == other.URI &&
		c.Username == other.Username &&
		c.Password == other.Password &&
		c.Database == other.Database &&
		c.MaxConnectionLifetime == other.MaxConnectionLifetime &&
		c.MaxConnectionPoolSize == other.MaxConnectionPoolSize &&
		c.ConnectionAcquisitionTimeout == other.ConnectionAcquisitionTimeout
}

// Manager owns the long-lived pooled driver. Zero value is not usable;
// construct with NewManager.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	driver neo4j.DriverWithContext
}

// NewManager opens the pooled driver for cfg.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	m := &Manager{}
	if err := m.Reconfigure(ctx, cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// Reconfigure swaps the driver only if cfg differs from the currently held
// configuration, otherwise it is a no-op (driver-reuse rule).
func (m *Manager) Reconfigure(ctx context.Context, cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.driver != nil && m.cfg.equivalentConnection(cfg) {
		m.cfg = cfg // retry tuning may still have changed
		return nil
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
		func(c *neo4j.Config) {
			c.MaxConnectionLifetime = cfg.MaxConnectionLifetime
			c.MaxConnectionPoolSize = cfg.MaxConnectionPoolSize
			c.ConnectionAcquisitionTimeout = cfg.ConnectionAcquisitionTimeout
		})
	if err != nil {
		return ingesterrors.NewFatalWriteError("open driver", err)
	}

	if m.driver != nil {
		_ = m.driver.Close(ctx)
	}
	m.driver = driver
	m.cfg = cfg
	return nil
}

// Close releases the pooled driver. The driver and its connection pool
// are shared across every ingest; only call this at process shutdown,
// never between ingests.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.driver == nil {
		return nil
	}
	return m.driver.Close(ctx)
}

// Work is a managed-transaction body. It must be replayable: the driver
// (and this Manager's own retry loop) may invoke it more than once, so it
// must have no side effect keyed on attempt number.
type Work func(tx neo4j.ManagedTransaction) (any, error)

// ExecuteWrite runs work inside a managed write transaction, retrying
// transient failures with exponential backoff + jitter up to MaxRetries
// (delay_n = 2^n + U(0,1) seconds).
func (m *Manager) ExecuteWrite(ctx context.Context, database string, work Work) (any, error) {
	m.mu.Lock()
	driver := m.driver
	maxRetries := m.cfg.MaxRetries
	if database == "" {
		database = m.cfg.Database
	}
	m.mu.Unlock()

	if driver == nil {
		return nil, ingesterrors.NewFatalWriteError("execute write", errors.New("session manager has no driver configured"))
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}

	sess := driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer sess.Close(ctx)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			return work(tx)
		})
		if err == nil {
			return result, nil
		}

		class := Classify(err)
		lastErr = err
		if class != ingesterrors.ClassTransient {
			return nil, classifiedError(class, "execute write", err)
		}
		if attempt == maxRetries {
			break
		}

		delay := backoffDelay(attempt)
		debug.LogSession("transient write failure (attempt %d/%d), retrying in %s: %v", attempt+1, maxRetries, delay, err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, ingesterrors.NewFatalWriteError("execute write (retries exhausted)", lastErr)
}

// backoffDelay implements the delay_n = 2^n + U(0,1) seconds.
func backoffDelay(attempt int) time.Duration {
	base := math.Pow(2, float64(attempt))
	jitter := rand.Float64()
	return time.Duration((base + jitter) * float64(time.Second))
}

// Classify maps a graph-store error onto the retry taxonomy: transient
// errors retry, Unavailable/AuthError are fatal and never retried,
// everything else is treated as fatal too.
func Classify(err error) ingesterrors.Class {
	if err == nil {
		return ""
	}

	var neoErr *neo4j.Neo4jError
	if errors.As(err, &neoErr) {
		switch {
		case isAuthCode(neoErr.Code):
			return ingesterrors.ClassFatal
		case isUnavailableCode(neoErr.Code):
			return ingesterrors.ClassFatal
		case neo4j.IsRetryable(err):
			return ingesterrors.ClassTransient
		}
		return ingesterrors.ClassFatal
	}

	if neo4j.IsRetryable(err) {
		return ingesterrors.ClassTransient
	}
	return ingesterrors.ClassFatal
}

func isAuthCode(code string) bool {
	return strings.Contains(code, "Security.Unauthorized") || strings.Contains(code, "Security.AuthenticationRateLimit")
}

func isUnavailableCode(code string) bool {
	return strings.Contains(code, "ServiceUnavailable") || strings.Contains(code, "SessionExpired") || strings.Contains(code, "Cluster.NotALeader")
}

func classifiedError(class ingesterrors.Class, op string, err error) error {
	switch class {
	case ingesterrors.ClassFatal:
		if isAuthClassified(err) {
			return ingesterrors.NewAuthError(err)
		}
		return ingesterrors.NewFatalWriteError(op, err)
	default:
		return ingesterrors.NewFatalWriteError(op, err)
	}
}

func isAuthClassified(err error) bool {
	var neoErr *neo4j.Neo4jError
	if errors.As(err, &neoErr) {
		return isAuthCode(neoErr.Code)
	}
	return false
}
