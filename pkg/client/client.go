// Package client assembles the audit store from configuration: the
// relational store, crypto service, chain engine, ingest pipeline,
// backlog worker, verifier and sealer, wired together behind one
// handle bound to a (project_id, environment_id) stream.
package client

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	_ "modernc.org/sqlite"

	"github.com/vaultline/auditcore/pkg/backlog"
	"github.com/vaultline/auditcore/pkg/chain"
	"github.com/vaultline/auditcore/pkg/config"
	"github.com/vaultline/auditcore/pkg/crypto"
	"github.com/vaultline/auditcore/pkg/event"
	"github.com/vaultline/auditcore/pkg/ingest"
	"github.com/vaultline/auditcore/pkg/observability"
	"github.com/vaultline/auditcore/pkg/seal"
	"github.com/vaultline/auditcore/pkg/store"
	"github.com/vaultline/auditcore/pkg/verify"
	"github.com/vaultline/auditcore/pkg/worm"
)

// Client is the embedding surface of the audit store. All methods are
// safe for concurrent use.
type Client struct {
	cfg *config.Config

	db       *sql.DB
	store    store.Store
	crypto   *crypto.Service
	engine   *chain.Engine
	pipeline *ingest.Pipeline
	worker   *backlog.Worker
	verifier *verify.Verifier
	sealer   *seal.Sealer
	obs      *observability.Provider
	logger   *slog.Logger

	closers []io.Closer

	mu            sync.RWMutex
	projectID     string
	environmentID string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates cfg, opens the database, initializes the schema, and
// starts the backlog worker and scheduled verification when enabled.
// The returned Client is bound to cfg.ProjectID / cfg.EnvironmentID;
// use SetContext to rebind.
func New(ctx context.Context, cfg *config.Config) (*Client, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:           cfg,
		logger:        slog.Default().With("component", "client"),
		projectID:     cfg.ProjectID,
		environmentID: cfg.EnvironmentID,
	}

	cs, err := crypto.New(crypto.Options{
		Algorithm:     cfg.Crypto.Algorithm,
		HashAlgorithm: cfg.Crypto.HashAlgorithm,
		PrivateKeyPEM: cfg.Crypto.PrivateKey,
		PublicKeyPEM:  cfg.Crypto.PublicKey,
	})
	if err != nil {
		return nil, err
	}
	c.crypto = cs

	if err := c.openStore(ctx); err != nil {
		return nil, err
	}

	obs, err := observability.New(ctx, observability.Config{
		Enabled:      cfg.Observability.Enabled,
		ServiceName:  cfg.Observability.ServiceName,
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		Insecure:     cfg.Observability.Insecure,
	})
	if err != nil {
		c.shutdown()
		return nil, fmt.Errorf("init observability: %w", err)
	}
	c.obs = obs

	c.engine = chain.New(c.store, cs)
	c.verifier = verify.New(c.store, cs)

	limiter, err := c.buildLimiter()
	if err != nil {
		c.shutdown()
		return nil, err
	}
	c.pipeline = ingest.New(c.store, c.engine, ingest.Options{
		MaxBulkEvents:       cfg.Application.MaxBulkEvents,
		CommitTimeout:       cfg.CommitTimeout(),
		BacklogMaxPerStream: cfg.Application.BacklogMaxPerStream,
		Limiter:             limiter,
		LimiterPolicy: ingest.Policy{
			RPM:   cfg.Application.RateLimitRPM,
			Burst: cfg.Application.RateLimitBurst,
		},
		Metrics: c.obs,
	})

	sink, err := c.buildSink(ctx)
	if err != nil {
		c.shutdown()
		return nil, err
	}
	c.sealer = seal.New(c.store, seal.Options{
		Sink:          sink,
		PartitionDays: cfg.Integrity.PartitionDays,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.worker = backlog.New(c.store, c.engine, backlog.Options{
		BatchSize:   cfg.Worker.BatchSize,
		MaxAttempts: cfg.Worker.MaxAttempts,
		Interval:    cfg.WorkerInterval(),
		Metrics:     c.obs,
	})
	if cfg.Worker.Enabled != nil && *cfg.Worker.Enabled {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.worker.Run(runCtx)
		}()
	}

	if interval := cfg.Integrity.ScheduledValidationIntervalS; interval > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.validationLoop(runCtx, time.Duration(interval)*time.Second)
		}()
	}

	return c, nil
}

func (c *Client) openStore(ctx context.Context) error {
	var (
		driver string
		dsn    string
	)
	switch c.cfg.Database.Driver {
	case "postgres":
		driver = "postgres"
		sslmode := "disable"
		if c.cfg.Database.SSL {
			sslmode = "require"
		}
		dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.cfg.Database.Host, c.cfg.Database.Port, c.cfg.Database.User,
			c.cfg.Database.Password, c.cfg.Database.Database, sslmode)
	case "sqlite":
		driver = "sqlite"
		dsn = c.cfg.Database.Path
	default:
		return event.Ef(event.CodeInvalidConfiguration, "unknown database driver %q", c.cfg.Database.Driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(c.cfg.Database.PoolSize)
	db.SetConnMaxIdleTime(c.cfg.IdleTimeout())
	c.db = db

	switch c.cfg.Database.Driver {
	case "postgres":
		c.store = store.NewPostgres(db)
	case "sqlite":
		// SQLite serializes writers; one connection avoids SQLITE_BUSY
		// under concurrent commits.
		db.SetMaxOpenConns(1)
		c.store = store.NewLite(db)
	}
	if err := c.store.Init(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (c *Client) buildLimiter() (ingest.LimiterStore, error) {
	if c.cfg.Application.RateLimitRPM <= 0 {
		return nil, nil
	}
	if addr := c.cfg.Application.RedisAddr; addr != "" {
		rl := ingest.NewRedisLimiterStore(addr, c.cfg.Application.RedisPassword, c.cfg.Application.RedisDB)
		c.closers = append(c.closers, rl)
		return rl, nil
	}
	return ingest.NewInMemoryLimiterStore(), nil
}

func (c *Client) buildSink(ctx context.Context) (worm.Sink, error) {
	if !c.cfg.Integrity.WORMEnabled {
		return nil, nil
	}
	switch c.cfg.Integrity.WORMStorage {
	case "filesystem":
		return worm.NewFilesystemSink(c.cfg.Integrity.WORMStoragePath)
	case "s3":
		return worm.NewS3Sink(ctx, worm.S3Config{
			Bucket:   c.cfg.Integrity.WORMBucket,
			Region:   c.cfg.Integrity.WORMRegion,
			Endpoint: c.cfg.Integrity.WORMEndpoint,
			Prefix:   c.cfg.Integrity.WORMPrefix,
		})
	case "gcs":
		sink, err := worm.NewGCSSink(ctx, c.cfg.Integrity.WORMBucket, c.cfg.Integrity.WORMPrefix)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, sink)
		return sink, nil
	default:
		return nil, event.Ef(event.CodeInvalidConfiguration, "unknown worm storage %q", c.cfg.Integrity.WORMStorage)
	}
}

// SetContext rebinds the client to a stream. Subsequent calls operate
// on (projectID, environmentID).
func (c *Client) SetContext(projectID, environmentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.projectID = projectID
	c.environmentID = environmentID
}

func (c *Client) stream() (string, string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.projectID == "" || c.environmentID == "" {
		return "", "", event.ErrContextMissing
	}
	return c.projectID, c.environmentID, nil
}

// CreateEvent submits one event to the bound stream. On a transient
// commit failure the submission lands in the backlog and the error
// carries the assigned event id.
func (c *Client) CreateEvent(ctx context.Context, sub *event.Submission) (*event.Event, error) {
	p, e, err := c.stream()
	if err != nil {
		return nil, err
	}
	ctx, span := c.obs.StartSpan(ctx, "auditcore.create_event",
		attribute.String("project_id", p), attribute.String("environment_id", e))
	defer span.End()
	start := time.Now()
	ev, err := c.pipeline.Submit(ctx, p, e, sub)
	c.obs.RecordCommit(ctx, p, e, 1, time.Since(start), err)
	return ev, err
}

// CreateEvents submits a bulk of events to the bound stream, committed
// atomically in submission order.
func (c *Client) CreateEvents(ctx context.Context, subs []*event.Submission) ([]*event.Event, error) {
	p, e, err := c.stream()
	if err != nil {
		return nil, err
	}
	ctx, span := c.obs.StartSpan(ctx, "auditcore.create_events",
		attribute.String("project_id", p), attribute.String("environment_id", e),
		attribute.Int("count", len(subs)))
	defer span.End()
	start := time.Now()
	evs, err := c.pipeline.SubmitBulk(ctx, p, e, subs)
	c.obs.RecordCommit(ctx, p, e, len(subs), time.Since(start), err)
	return evs, err
}

// GetEvent fetches one event by id from the bound stream.
func (c *Client) GetEvent(ctx context.Context, id string) (*event.Event, error) {
	p, e, err := c.stream()
	if err != nil {
		return nil, err
	}
	return c.store.GetEvent(ctx, id, p, e)
}

// QueryEvents returns a page of events matching the filter. The bound
// stream fills ProjectID/EnvironmentID when the filter omits them. With
// integrity.validate_on_query the page is re-verified before return and
// any failure surfaces as integrity_failure.
func (c *Client) QueryEvents(ctx context.Context, f store.Filter) (*store.Page, error) {
	if f.ProjectID == "" || f.EnvironmentID == "" {
		p, e, err := c.stream()
		if err != nil {
			return nil, err
		}
		f.ProjectID, f.EnvironmentID = p, e
	}
	page, err := c.store.QueryEvents(ctx, f)
	if err != nil {
		return nil, err
	}
	if c.cfg.Integrity.ValidateOnQuery {
		if failed := c.verifier.Events(page.Events); len(failed) > 0 {
			c.obs.RecordVerification(ctx, f.ProjectID, f.EnvironmentID, len(failed))
			return nil, event.Ef(event.CodeIntegrity, "%d of %d queried events failed verification, first %s (%s)",
				len(failed), len(page.Events), failed[0].ID, failed[0].Reason)
		}
	}
	return page, nil
}

// ValidateEvents verifies the bound stream's chain over [start, end].
func (c *Client) ValidateEvents(ctx context.Context, start, end time.Time) (*verify.Report, error) {
	p, e, err := c.stream()
	if err != nil {
		return nil, err
	}
	ctx, span := c.obs.StartSpan(ctx, "auditcore.validate_events",
		attribute.String("project_id", p), attribute.String("environment_id", e))
	defer span.End()
	report, err := c.verifier.Range(ctx, p, e, start, end)
	if err != nil {
		return nil, err
	}
	c.obs.RecordVerification(ctx, p, e, len(report.Failed))
	return report, nil
}

// SealEvents writes a seal marker over the bound stream up to upTo.
func (c *Client) SealEvents(ctx context.Context, upTo time.Time) (*store.SealMarker, error) {
	p, e, err := c.stream()
	if err != nil {
		return nil, err
	}
	return c.sealer.Seal(ctx, p, e, upTo)
}

// ExportToWORM exports the bound stream's events in [start, end] to the
// configured sink, returning the number of objects written.
func (c *Client) ExportToWORM(ctx context.Context, start, end time.Time) (int, error) {
	p, e, err := c.stream()
	if err != nil {
		return 0, err
	}
	return c.sealer.Export(ctx, p, e, start, end)
}

// Worker exposes the backlog worker for manual Tick driving, mainly in
// tests and the CLI.
func (c *Client) Worker() *backlog.Worker { return c.worker }

// Store exposes the underlying store for administrative tooling.
func (c *Client) Store() store.Store { return c.store }

func (c *Client) validationLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p, e, err := c.stream()
			if err != nil {
				continue
			}
			report, err := c.verifier.Range(ctx, p, e, time.Time{}, time.Now().UTC())
			if err != nil {
				c.logger.ErrorContext(ctx, "scheduled verification failed",
					"project_id", p, "environment_id", e, "error", err)
				continue
			}
			c.obs.RecordVerification(ctx, p, e, len(report.Failed))
			if !report.OK() {
				c.logger.ErrorContext(ctx, "scheduled verification found failures",
					"project_id", p, "environment_id", e,
					"total", report.Total, "failed", len(report.Failed))
			}
		}
	}
}

func (c *Client) shutdown() {
	for _, cl := range c.closers {
		_ = cl.Close()
	}
	if c.store != nil {
		// Store.Close closes the underlying *sql.DB.
		_ = c.store.Close()
	} else if c.db != nil {
		_ = c.db.Close()
	}
}

// Close stops background loops and releases the database and any
// external sinks.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	var firstErr error
	if c.obs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.obs.Shutdown(ctx); err != nil {
			firstErr = err
		}
		cancel()
	}
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.store != nil {
		// Store.Close closes the underlying *sql.DB.
		if err := c.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
