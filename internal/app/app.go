package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/mongo"

	"nexus-assistant/internal/config"
	"nexus-assistant/internal/integrations/anthropic"
	"nexus-assistant/internal/integrations/openai"
	"nexus-assistant/internal/integrations/paramstore"
	"nexus-assistant/internal/memory"
	"nexus-assistant/internal/observability"
	"nexus-assistant/internal/reliability"
	"nexus-assistant/internal/repository"
	"nexus-assistant/internal/usecase"
)

type factStore interface {
	memory.FactStore
	Ping(ctx context.Context) error
}

type conversationStore interface {
	memory.ConversationReader
	usecase.ConversationWriter
}

type stores struct {
	facts   factStore
	history conversationStore
	users   usecase.UserRecorder
}

type tokenSource interface {
	Token(ctx context.Context) (string, error)
}

type generator interface {
	usecase.ReplyGenerator
	memory.Judge
}

// App is the wired service shared by the Lambda and HTTP entrypoints.
type App struct {
	Turns   *usecase.TurnService
	Facts   factStore
	Metrics *observability.Metrics

	closers []func(context.Context) error
}

// Build connects the configured stores and generation provider and wires the
// turn service. reg may be nil, in which case no metrics are recorded.
func Build(ctx context.Context, cfg config.Config, reg prometheus.Registerer, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{}
	defer func() {
		if err != nil {
			_ = a.Close(ctx)
		}
	}()

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		c, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return aws.Config{}, fmt.Errorf("app: load AWS config: %w", err)
		}
		awsCfg = &c
		return c, nil
	}

	st, err := a.openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	facts, history := st.facts, st.history
	if err = facts.Ping(ctx); err != nil {
		return nil, fmt.Errorf("app: store ping: %w", err)
	}
	a.Facts = facts

	if cfg.StateTable != "" {
		c, cErr := loadAWS()
		if cErr != nil {
			return nil, cErr
		}
		dyn, dErr := repository.NewDynamoConversationStore(awsdynamodb.NewFromConfig(c), cfg.StateTable)
		if dErr != nil {
			return nil, dErr
		}
		history = dyn
	}

	gen, err := newGenerator(cfg, loadAWS)
	if err != nil {
		return nil, err
	}

	retry := reliability.DefaultPolicy
	retry.Attempts = cfg.StoreRetryAttempts

	ranker, err := memory.NewRanker(facts,
		memory.WithWeights(cfg.ScoreWeights),
		memory.WithRecencyWindow(cfg.RecencyWindow),
	)
	if err != nil {
		return nil, err
	}
	assembler, err := memory.NewAssembler(ranker, history, memory.AssemblerConfig{
		HistoryLimit:  cfg.HistoryLimit,
		MemoryLimit:   cfg.MemoryLimit,
		AssistantName: cfg.AssistantName,
		Retry:         retry,
	}, logger)
	if err != nil {
		return nil, err
	}
	extractor, err := memory.NewExtractor(gen, facts, memory.ExtractorConfig{
		MinLength:     cfg.MinMemoryLength,
		ReaffirmBoost: cfg.ReaffirmBoost,
		Timeout:       cfg.JudgeTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	usage, err := memory.NewUsageTracker(facts, retry)
	if err != nil {
		return nil, err
	}

	deps := usecase.TurnDeps{
		Assembler:    assembler,
		Generator:    gen,
		Capturer:     extractor,
		Usage:        usage,
		Conversation: history,
		Users:        st.users,
		Logger:       logger,
	}
	if reg != nil {
		a.Metrics = observability.NewMetrics(reg, cfg.MetricsNamespace)
		deps.Metrics = a.Metrics
	}
	a.Turns, err = usecase.NewTurnService(deps, usecase.TurnConfig{
		ReplyTimeout:     cfg.ReplyTimeout,
		MaxMessageLength: cfg.MaxMessageLength,
		Retry:            retry,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (stores, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres, config.BackendSQLite:
		dialect, err := repository.ParseDialect(cfg.StoreBackend)
		if err != nil {
			return stores{}, err
		}
		dsn := cfg.DatabaseURL
		if dialect == repository.DialectSQLite {
			dsn = cfg.SQLitePath
		}
		db, err := repository.OpenSQL(ctx, dialect, dsn)
		if err != nil {
			return stores{}, err
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
		if err := repository.MigrateSQL(ctx, db, dialect); err != nil {
			return stores{}, err
		}
		return sqlStores(db, dialect, logger)
	case config.BackendMongo:
		client, db, err := repository.OpenMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return stores{}, err
		}
		a.closers = append(a.closers, client.Disconnect)
		if err := repository.EnsureMongoIndexes(ctx, db); err != nil {
			return stores{}, err
		}
		return mongoStores(db, logger)
	default:
		return stores{}, fmt.Errorf("app: unsupported store backend %q", cfg.StoreBackend)
	}
}

func sqlStores(db *sql.DB, dialect repository.Dialect, logger *slog.Logger) (stores, error) {
	facts, err := repository.NewSQLFactStore(db, dialect, repository.WithSQLLogger(logger))
	if err != nil {
		return stores{}, err
	}
	history, err := repository.NewSQLConversationStore(db, dialect)
	if err != nil {
		return stores{}, err
	}
	users, err := repository.NewSQLUserStore(db, dialect)
	if err != nil {
		return stores{}, err
	}
	return stores{facts: facts, history: history, users: users}, nil
}

func mongoStores(db *mongo.Database, logger *slog.Logger) (stores, error) {
	facts, err := repository.NewMongoFactStore(db, logger)
	if err != nil {
		return stores{}, err
	}
	history, err := repository.NewMongoConversationStore(db)
	if err != nil {
		return stores{}, err
	}
	users, err := repository.NewMongoUserStore(db)
	if err != nil {
		return stores{}, err
	}
	return stores{facts: facts, history: history, users: users}, nil
}

// newTokenSource returns the SSM-backed token when a parameter prefix is
// configured, otherwise the key from the environment.
func newTokenSource(cfg config.Config, loadAWS func() (aws.Config, error)) (tokenSource, error) {
	if cfg.ParamPrefix == "" {
		return paramstore.StaticToken(cfg.APIKey()), nil
	}
	c, err := loadAWS()
	if err != nil {
		return nil, err
	}
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(c))
	if err != nil {
		return nil, err
	}
	return paramstore.NewCachedToken(ssmClient, paramstore.ParameterName(cfg.ParamPrefix, cfg.TokenParameter()))
}

func newGenerator(cfg config.Config, loadAWS func() (aws.Config, error)) (generator, error) {
	tokens, err := newTokenSource(cfg, loadAWS)
	if err != nil {
		return nil, err
	}
	switch cfg.LLMProvider {
	case config.ProviderOpenAI:
		return openai.NewClient(tokens,
			openai.WithBaseURL(cfg.OpenAIBaseURL),
			openai.WithModels(cfg.ReplyModel, cfg.JudgeModel),
		)
	case config.ProviderAnthropic:
		return anthropic.NewClient(tokens,
			anthropic.WithModels(cfg.ReplyModel, cfg.JudgeModel),
			anthropic.WithRequestOptions(option.WithMaxRetries(2)),
		)
	default:
		return nil, fmt.Errorf("app: unsupported llm provider %q", cfg.LLMProvider)
	}
}

// Close releases store connections in reverse order of opening.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
