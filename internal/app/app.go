// Package app wires configuration into the pipeline components shared by the
// API and worker services.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/formrelay/internal/config"
	"github.com/cuongbtq/formrelay/internal/intake"
	"github.com/cuongbtq/formrelay/internal/pipeline/delivery"
	"github.com/cuongbtq/formrelay/internal/pipeline/dispatcher"
	"github.com/cuongbtq/formrelay/internal/pipeline/domain"
	"github.com/cuongbtq/formrelay/internal/pipeline/storage"
	"github.com/cuongbtq/formrelay/internal/pipeline/transform"
	"github.com/cuongbtq/formrelay/shared/logger"
	"github.com/cuongbtq/formrelay/shared/mongodb"
	"github.com/cuongbtq/formrelay/shared/postgresql"
	"github.com/cuongbtq/formrelay/shared/rabbitmq"
	"github.com/cuongbtq/formrelay/shared/sqlite"
	"github.com/jmoiron/sqlx"
)

// Cleanup releases resources opened during wiring, in reverse order.
type Cleanup struct {
	fns []func()
}

// Add registers fn to run on cleanup.
func (c *Cleanup) Add(fn func()) {
	c.fns = append(c.fns, fn)
}

// Run calls every registered release function once.
func (c *Cleanup) Run() {
	for i := len(c.fns) - 1; i >= 0; i-- {
		c.fns[i]()
	}
	c.fns = nil
}

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

func postgresConfig(cfg *config.DatabaseConfig) *postgresql.Config {
	return &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}
}

// InitJobStore opens the configured job store and makes sure its schema or
// indexes exist.
func InitJobStore(ctx context.Context, cfg *config.Config, log *slog.Logger, cleanup *Cleanup) (storage.JobStore, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		log.Warn("Using in-memory job store; jobs are lost on restart")
		return storage.NewMemoryStore(), nil

	case config.StoreDriverSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLite.Path, log)
		if err != nil {
			return nil, err
		}
		cleanup.Add(func() { db.Close() })
		return sqlStore(ctx, db, log)

	case config.StoreDriverMongoDB:
		client, err := mongodb.NewClient(ctx, &mongodb.Config{
			URI:            cfg.MongoDB.URI,
			Database:       cfg.MongoDB.Database,
			ConnectTimeout: cfg.MongoDB.ConnectTimeout,
			MaxPoolSize:    cfg.MongoDB.MaxPoolSize,
		}, log)
		if err != nil {
			return nil, err
		}
		cleanup.Add(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client.Close(ctx)
		})

		store := storage.NewMongoStore(client.Database(), cfg.Collections(), log)
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		return store, nil

	case config.StoreDriverPostgres:
		client, err := postgresql.NewClient(ctx, postgresConfig(&cfg.Database), log)
		if err != nil {
			return nil, err
		}
		cleanup.Add(func() { client.Close() })
		return sqlStore(ctx, client.GetDB(), log)

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func sqlStore(ctx context.Context, db *sqlx.DB, log *slog.Logger) (storage.JobStore, error) {
	if err := storage.Migrate(ctx, db); err != nil {
		return nil, err
	}
	return storage.NewSQLStore(db, log), nil
}

// InitDelivery builds the destination router with a rate limiter in front of
// each adapter.
func InitDelivery(ctx context.Context, cfg *config.DeliveryConfig, log *slog.Logger, cleanup *Cleanup) (delivery.Client, error) {
	sf := cfg.Salesforce
	crm := delivery.NewSalesforce(delivery.SalesforceConfig{
		LoginURL:     sf.LoginURL,
		InstanceURL:  sf.InstanceURL,
		APIVersion:   sf.APIVersion,
		ClientID:     sf.ClientID,
		ClientSecret: sf.ClientSecret,
		Username:     sf.Username,
		Password:     sf.Password,
		AccessToken:  sf.AccessToken,
		Timeout:      sf.Timeout,
	}, log)

	cc := cfg.CommCare
	field := delivery.NewCommCare(delivery.CommCareConfig{
		SubmitURL: cc.SubmitURL,
		Username:  cc.Username,
		APIKey:    cc.APIKey,
		OwnerID:   cc.OwnerID,
		UserID:    cc.UserID,
		Timeout:   cc.Timeout,
	}, log)

	db, err := relationalDB(ctx, &cfg.Relational, log, cleanup)
	if err != nil {
		return nil, fmt.Errorf("failed to open relational delivery target: %w", err)
	}

	return delivery.NewRouter().
		Handle(domain.DestinationCRM, delivery.NewRateLimited(crm, sf.RateLimit.PerSecond, sf.RateLimit.Burst)).
		Handle(domain.DestinationFieldPlatform, delivery.NewRateLimited(field, cc.RateLimit.PerSecond, cc.RateLimit.Burst)).
		Handle(domain.DestinationRelational, delivery.NewRateLimited(delivery.NewRelational(db), cfg.Relational.RateLimit.PerSecond, cfg.Relational.RateLimit.Burst)), nil
}

func relationalDB(ctx context.Context, cfg *config.RelationalConfig, log *slog.Logger, cleanup *Cleanup) (*sqlx.DB, error) {
	if cfg.Driver == config.StoreDriverSQLite {
		db, err := sqlite.Open(ctx, cfg.SQLitePath, log)
		if err != nil {
			return nil, err
		}
		cleanup.Add(func() { db.Close() })
		return db, nil
	}

	client, err := postgresql.NewClient(ctx, postgresConfig(&cfg.Postgres), log)
	if err != nil {
		return nil, err
	}
	cleanup.Add(func() { client.Close() })
	return client.GetDB(), nil
}

// InitDispatcher builds the dispatcher over the built-in transform registry.
func InitDispatcher(cfg *config.PipelineConfig, store storage.JobStore, client delivery.Client, log *slog.Logger) (*dispatcher.Dispatcher, error) {
	policies := make([]dispatcher.OriginPolicy, len(cfg.Origins))
	for i, o := range cfg.Origins {
		policies[i] = dispatcher.OriginPolicy{
			Name:       o.Name,
			BatchSize:  o.BatchSize,
			RetryLimit: o.RetryLimit,
			JobTypes:   o.JobTypes,
		}
	}

	return dispatcher.New(dispatcher.Config{
		Store:             store,
		Registry:          transform.Default(),
		Client:            client,
		Logger:            log,
		Origins:           policies,
		FanOutConcurrency: cfg.FanOutConcurrency,
		ReplayConcurrency: cfg.ReplayConcurrency,
		RecordTimeout:     cfg.RecordTimeout,
	})
}

var classifiers = map[string]intake.Classifier{
	transform.OriginCommCare:   intake.CommCare,
	transform.OriginSalesforce: intake.Salesforce,
}

// IntakeOrigins pairs every dispatcher origin with its classifier and the
// dispatcher's resolved allow-list, so intake never stores a job type the
// dispatcher would skip.
func IntakeOrigins(d *dispatcher.Dispatcher) ([]intake.Origin, error) {
	names := d.Origins()
	out := make([]intake.Origin, 0, len(names))
	for _, name := range names {
		cls, ok := classifiers[name]
		if !ok {
			return nil, fmt.Errorf("%w: no classifier for %s", domain.ErrUnknownOrigin, name)
		}
		p, err := d.Policy(name)
		if err != nil {
			return nil, err
		}
		out = append(out, intake.Origin{Name: name, Classifier: cls, JobTypes: p.JobTypes})
	}
	return out, nil
}

// InitRabbitMQ initializes the RabbitMQ client
func InitRabbitMQ(cfg *config.RabbitMQConfig, log *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(RabbitMQConfig(cfg), log)
}

// RabbitMQConfig maps the rabbitmq section onto the client config.
func RabbitMQConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}
}
