package service

import (
	"context"
	"fmt"
	"net/http"

	"github.com/okian/receiptreward/internal/adapters/captcha"
	"github.com/okian/receiptreward/internal/adapters/classifier"
	"github.com/okian/receiptreward/internal/adapters/ledger"
	"github.com/okian/receiptreward/internal/adapters/mq/publisher"
	workerpool "github.com/okian/receiptreward/internal/adapters/mq/worker"
	"github.com/okian/receiptreward/internal/adapters/redisdedupe"
	"github.com/okian/receiptreward/internal/config"
	"github.com/okian/receiptreward/internal/domain/dedupe"
	"github.com/okian/receiptreward/internal/domain/submission"
	"github.com/okian/receiptreward/pkg/logger"
)

// Build constructs every backend selected by cfg and wires them into a
// Service. Backends opened before a failure are closed again.
func Build(ctx context.Context, cfg *config.Config) (svc *Service, err error) {
	log := logger.Named("service")

	reward, err := cfg.Reward()
	if err != nil {
		return nil, err
	}

	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	opts := []Option{
		WithLogger(log),
		WithWorkerCount(cfg.EventsWorkers),
		WithQueueSize(cfg.EventsQueueSize),
		WithPipelineOptions(
			submission.WithQuotaTimeout(config.Millis(cfg.LedgerQuotaTimeoutMS)),
			submission.WithClassifyTimeout(config.Millis(cfg.ClassifierTimeoutMS)),
			submission.WithRewardTimeout(config.Millis(cfg.LedgerRewardTimeoutMS)),
		),
	}

	if cfg.CaptchaEnabled {
		opts = append(opts, WithCaptcha(captcha.New(cfg.CaptchaVerifyURL, cfg.CaptchaSecret,
			captcha.WithAction(cfg.CaptchaAction),
			captcha.WithMinScore(cfg.CaptchaMinScore),
			captcha.WithTimeout(config.Millis(cfg.CaptchaTimeoutMS)),
		)))
	} else {
		log.Warn(ctx, "captcha verification disabled")
	}

	validator, err := buildClassifier(cfg)
	if err != nil {
		return nil, err
	}

	gateway, closeLedger, err := buildLedger(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if closeLedger != nil {
		closers = append(closers, closeLedger)
	}

	deduper, closeDedupe, err := buildDeduper(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if closeDedupe != nil {
		closers = append(closers, closeDedupe)
	}
	if deduper != nil {
		opts = append(opts, WithDeduper(deduper))
	}

	pub, closePub, err := buildPublisher(cfg)
	if err != nil {
		return nil, err
	}
	if closePub != nil {
		closers = append(closers, closePub)
	}
	if pub != nil {
		opts = append(opts, WithPublisher(pub))
	}

	for _, c := range closers {
		opts = append(opts, WithCloser(c))
	}

	svc, err = New(validator, gateway, reward, opts...)
	if err != nil {
		return nil, err
	}
	log.Info(ctx, "backends ready",
		logger.String("classifier", cfg.ClassifierBackend),
		logger.String("ledger", cfg.LedgerBackend),
		logger.String("dedupe", cfg.DedupeBackend),
		logger.String("events", cfg.EventsBackend),
	)
	return svc, nil
}

func buildClassifier(cfg *config.Config) (submission.ClaimValidator, error) {
	switch cfg.ClassifierBackend {
	case config.ClassifierOpenAI:
		c, err := classifier.NewOpenAI(cfg.ClassifierBaseURL, cfg.ClassifierAPIKey, cfg.ClassifierModel,
			classifier.WithHTTPClient(&http.Client{Timeout: config.Millis(cfg.ClassifierTimeoutMS)}))
		if err != nil {
			return nil, fmt.Errorf("classifier: %w", err)
		}
		return c, nil
	case config.ClassifierStatic:
		return classifier.NewStatic(cfg.ClassifierStaticFactor), nil
	default:
		return nil, fmt.Errorf("%w: unknown classifier_backend %q", config.ErrInvalidConfig, cfg.ClassifierBackend)
	}
}

func buildLedger(ctx context.Context, cfg *config.Config) (submission.LedgerGateway, func() error, error) {
	switch cfg.LedgerBackend {
	case config.LedgerEVM:
		g, err := ledger.DialEVM(ctx, cfg.LedgerRPCURL, cfg.LedgerContractAddress, cfg.LedgerPrivateKey, cfg.LedgerChainID,
			ledger.WithGasLimit(cfg.LedgerGasLimit))
		if err != nil {
			return nil, nil, fmt.Errorf("ledger: %w", err)
		}
		return g, func() error { g.Close(); return nil }, nil
	case config.LedgerMemory:
		return ledger.NewMemory(cfg.LedgerMemoryMaxSubmission, cfg.LedgerMemoryCycle), nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown ledger_backend %q", config.ErrInvalidConfig, cfg.LedgerBackend)
	}
}

func buildDeduper(ctx context.Context, cfg *config.Config) (dedupe.Deduper, func() error, error) {
	switch cfg.DedupeBackend {
	case config.DedupeMemory:
		return dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(cfg.DedupeSize), dedupe.WithTTL(cfg.DedupeTTL)), nil, nil
	case config.DedupeRedis:
		g, err := redisdedupe.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.DedupeTTL,
			redisdedupe.WithLocalCacheSize(cfg.DedupeSize))
		if err != nil {
			return nil, nil, err
		}
		return g, g.Close, nil
	case config.DedupeNone:
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown dedupe_backend %q", config.ErrInvalidConfig, cfg.DedupeBackend)
	}
}

func buildPublisher(cfg *config.Config) (workerpool.Publisher, func() error, error) {
	switch cfg.EventsBackend {
	case config.EventsLog:
		p := publisher.NewLog(logger.Named("events"))
		return p, p.Close, nil
	case config.EventsKafka:
		p, err := publisher.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	case config.EventsAMQP:
		p, err := publisher.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRoutingKey)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	case config.EventsNone:
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown events_backend %q", config.ErrInvalidConfig, cfg.EventsBackend)
	}
}
