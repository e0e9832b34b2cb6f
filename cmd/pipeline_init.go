package main

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/permit-leads/internal/adjacent"
	"github.com/sells-group/permit-leads/internal/cost"
	"github.com/sells-group/permit-leads/internal/export"
	"github.com/sells-group/permit-leads/internal/filter"
	"github.com/sells-group/permit-leads/internal/metrics"
	"github.com/sells-group/permit-leads/internal/monitoring"
	"github.com/sells-group/permit-leads/internal/oracle"
	"github.com/sells-group/permit-leads/internal/pipeline"
	"github.com/sells-group/permit-leads/internal/resilience"
	"github.com/sells-group/permit-leads/internal/store"
	"github.com/sells-group/permit-leads/internal/taxonomy"
	anthropicpkg "github.com/sells-group/permit-leads/pkg/anthropic"
	"github.com/sells-group/permit-leads/pkg/notion"
	sfpkg "github.com/sells-group/permit-leads/pkg/salesforce"
)

// pipelineEnv holds the store, the pipeline and its observers for the
// run/retry/serve commands.
type pipelineEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
	Metrics  *metrics.Metrics
	Alerter  *monitoring.Alerter // nil unless monitoring is enabled
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline opens and migrates the store, builds the classifier and
// sinks, and wires the Pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	p, m, alerter, err := buildPipeline(st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &pipelineEnv{Store: st, Pipeline: p, Metrics: m, Alerter: alerter}, nil
}

// buildPipeline wires a Pipeline over an already-open store.
func buildPipeline(st store.Store) (*pipeline.Pipeline, *metrics.Metrics, *monitoring.Alerter, error) {
	tax, err := loadTaxonomy(cfg.Filter.TaxonomyPath)
	if err != nil {
		return nil, nil, nil, err
	}
	f, err := filter.New(tax, cfg.Filter.MaxDaysOld)
	if err != nil {
		return nil, nil, nil, eris.Wrap(err, "build filter")
	}
	router, err := adjacent.NewRouter(tax)
	if err != nil {
		return nil, nil, nil, eris.Wrap(err, "build adjacent router")
	}

	classifier, err := initClassifier()
	if err != nil {
		return nil, nil, nil, err
	}

	sinks, err := initSinks()
	if err != nil {
		return nil, nil, nil, err
	}

	m := metrics.New()
	var alerter *monitoring.Alerter
	if cfg.Monitoring.Enabled {
		alerter = monitoring.NewAlerter(cfg.Monitoring)
	}

	p, err := pipeline.New(pipeline.Deps{
		Store:       st,
		Filter:      f,
		Router:      router,
		Classifier:  classifier,
		Concurrency: cfg.Oracle.Concurrency,
		CallTimeout: time.Duration(cfg.Oracle.CallTimeoutSecs) * time.Second,
		Costs:       cost.NewCalculator(cfg.Pricing),
		Sinks:       sinks,
		Metrics:     m,
		Alerter:     alerter,
		RetryPolicy: retryPolicy(),
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return p, m, alerter, nil
}

func loadTaxonomy(path string) (*taxonomy.Taxonomy, error) {
	if path == "" {
		return taxonomy.Default()
	}
	tax, err := taxonomy.LoadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "load taxonomy %s", path)
	}
	zap.L().Info("taxonomy loaded", zap.String("path", path))
	return tax, nil
}

func retryPolicy() resilience.RetryPolicy {
	policy := resilience.DefaultRetryPolicy()
	if cfg.Retry.MaxRetries > 0 {
		policy.MaxRetries = cfg.Retry.MaxRetries
	}
	if cfg.Retry.InitialBackoffMins > 0 {
		policy.Backoff.Initial = time.Duration(cfg.Retry.InitialBackoffMins) * time.Minute
	}
	if cfg.Retry.MaxBackoffHours > 0 {
		policy.Backoff.Max = time.Duration(cfg.Retry.MaxBackoffHours) * time.Hour
	}
	return policy
}

// initClassifier builds the configured backend and wraps it with the
// circuit breaker and the result cache.
func initClassifier() (oracle.Classifier, error) {
	var base oracle.Classifier
	switch cfg.Oracle.Provider {
	case "anthropic":
		client := anthropicpkg.NewClient(cfg.Anthropic.Key, cfg.Anthropic.BaseURL)
		base = oracle.NewAnthropic(client, cfg.Anthropic.Model, int64(cfg.Oracle.MaxTokens))
	case "openai":
		c, err := oracle.NewOpenAI(cfg.OpenAI.Key, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, cfg.Oracle.MaxTokens)
		if err != nil {
			return nil, err
		}
		base = c
	case "http":
		var opts []oracle.HTTPOption
		if cfg.Oracle.Token != "" {
			opts = append(opts, oracle.WithBearerToken(cfg.Oracle.Token))
		}
		c, err := oracle.NewHTTP(cfg.Oracle.Endpoint, opts...)
		if err != nil {
			return nil, err
		}
		base = c
	default:
		return nil, eris.Errorf("unsupported oracle provider: %s", cfg.Oracle.Provider)
	}

	classifier := base
	if cfg.Oracle.BreakerThreshold > 0 {
		breaker := resilience.NewBreaker(resilience.BreakerConfig{
			FailureThreshold: cfg.Oracle.BreakerThreshold,
			Cooldown:         time.Duration(cfg.Oracle.BreakerCooldownSecs) * time.Second,
			OnStateChange: func(from, to resilience.BreakerState) {
				zap.L().Warn("oracle circuit breaker state change",
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})
		classifier = oracle.NewGuarded(classifier, breaker)
	}
	if cfg.Oracle.CacheTTLMins > 0 {
		ttl := time.Duration(cfg.Oracle.CacheTTLMins) * time.Minute
		classifier = oracle.NewCached(classifier, ttl, 2*ttl)
	}

	zap.L().Info("oracle configured",
		zap.String("provider", cfg.Oracle.Provider),
		zap.Int("concurrency", cfg.Oracle.Concurrency),
		zap.Bool("breaker", cfg.Oracle.BreakerThreshold > 0),
		zap.Int("cache_ttl_mins", cfg.Oracle.CacheTTLMins),
	)
	return classifier, nil
}

// initSinks builds the sinks named in export.sinks, in order.
func initSinks() ([]export.Sink, error) {
	sinks := make([]export.Sink, 0, len(cfg.Export.Sinks))
	for _, name := range cfg.Export.Sinks {
		switch name {
		case "csv":
			sinks = append(sinks, &export.CSVSink{Dir: cfg.Export.Dir})
		case "xlsx":
			sinks = append(sinks, &export.XLSXSink{Dir: cfg.Export.Dir})
		case "notion":
			client := notion.NewClient(cfg.Notion.Token, notion.WithRateLimit(cfg.Notion.RateLimit))
			sinks = append(sinks, &export.NotionSink{Client: client, DatabaseID: cfg.Notion.LeadDB})
		case "salesforce":
			client, err := initSalesforce()
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, &export.SalesforceSink{Client: client, LeadSource: cfg.Salesforce.LeadSource})
		default:
			return nil, eris.Errorf("unknown export sink: %s", name)
		}
	}
	return sinks, nil
}

func initSalesforce() (sfpkg.Client, error) {
	if cfg.Salesforce.ClientID == "" {
		return nil, eris.New("salesforce client ID is required (PERMIT_LEADS_SALESFORCE_CLIENT_ID)")
	}

	pemData, err := os.ReadFile(cfg.Salesforce.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "read salesforce JWT private key")
	}

	return sfpkg.Connect(sfpkg.Creds{
		LoginURL: cfg.Salesforce.LoginURL,
		Username: cfg.Salesforce.Username,
		ClientID: cfg.Salesforce.ClientID,
		KeyPEM:   string(pemData),
	}, sfpkg.WithRateLimit(cfg.Salesforce.RateLimit))
}

// openStore opens the configured store and applies migrations.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}
