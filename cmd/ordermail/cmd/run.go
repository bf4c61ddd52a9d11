package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ordermail/internal/audit"
	"ordermail/internal/catalog"
	"ordermail/internal/cleaner"
	"ordermail/internal/config"
	"ordermail/internal/erp"
	"ordermail/internal/extract"
	"ordermail/internal/feedback"
	"ordermail/internal/llm"
	"ordermail/internal/mailbox"
	"ordermail/internal/match"
	"ordermail/internal/notify"
	"ordermail/internal/orders"
	"ordermail/internal/pipeline"
	"ordermail/internal/server"
	"ordermail/internal/state"
	"ordermail/internal/supervisor"
	"ordermail/internal/verify"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the processing service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runService(cfg)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runService(cfg *config.Config) error {
	logger := newLogger()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stateStore, err := state.Open(cfg.Paths.StateDBPath)
	if err != nil {
		return err
	}
	defer stateStore.Close()

	store := catalog.NewStore(cfg.Paths.CatalogDir)
	if err := store.Load(); err != nil {
		return err
	}
	watermark := catalog.NewWatermark(cfg.Paths.CatalogDir)

	erpClient := erp.NewHTTPClient(&erp.Config{
		URL: cfg.ERP.URL, DB: cfg.ERP.DB,
		User: cfg.ERP.User, Password: cfg.ERP.Password,
		Timeout: cfg.ERP.Timeout,
	})
	syncer := catalog.NewSyncer(store, watermark, erpClient, logger)

	provider := llm.NewHTTPClient(&llm.Config{
		APIKey: cfg.LLM.APIKey, Endpoint: cfg.LLM.Endpoint,
		Model: cfg.LLM.Model, EmbedModel: cfg.LLM.EmbedModel,
		MaxTokens: cfg.LLM.MaxTokens, Temperature: cfg.LLM.Temperature,
		Timeout: cfg.LLM.Timeout, RetryCount: cfg.LLM.RetryCount,
		RequestsPerMin: cfg.LLM.RequestsPerMin,
	})

	index := match.NewIndex(cfg.Paths.EmbeddingsDir, store, provider, logger)
	retriever := match.NewRetriever(store, index, provider, &match.Config{
		SemanticFloor:  cfg.Matching.SemanticFloor,
		TopK:           cfg.Matching.TopK,
		FinalK:         cfg.Matching.FinalK,
		DimensionBoost: cfg.Matching.DimensionBoost,
	}, logger)
	confirmer := match.NewConfirmer(store, provider, match.Thresholds{
		Auto:   cfg.Matching.AutoThreshold,
		Review: cfg.Matching.ReviewThreshold,
	}, logger)

	clean := cleaner.New(&cleaner.PopplerExtractor{}, &cleaner.TesseractOCR{Langs: "eng+deu"}, logger)
	extractor := extract.New(provider, &extract.Config{
		OwnAliases:  cfg.Company.OwnAliases,
		OwnDomain:   cfg.Company.OwnDomain,
		Generics:    cfg.Matching.GenericsList,
		Temperature: cfg.LLM.Temperature,
	}, logger)

	verifier := verify.New(erpClient, logger)
	writer := orders.NewWriter(erpClient, stateStore,
		cfg.EnableOrderCreation && !cfg.Processing.DryRun, logger)
	auditor := audit.NewWriter(cfg.Paths.AuditDir)

	var gateway notify.ChatGateway
	if cfg.ChatToken != "" {
		gateway = notify.NewTelegramGateway("", cfg.ChatToken, cfg.ChatOperatorID)
	}
	notifier := notify.New(gateway, cfg.EnableNotifications, logger)
	if cfg.AdminAlertAddress != "" && cfg.SMTP.Addr != "" {
		notifier.SetAdminMail(mailbox.NewSMTPSender(&mailbox.SMTPConfig{
			Addr: cfg.SMTP.Addr, From: cfg.SMTP.From,
			User: cfg.SMTP.User, Password: cfg.SMTP.Password,
		}), cfg.AdminAlertAddress)
	}

	metrics := &pipeline.Metrics{}
	fbStore := feedback.NewStore(cfg.Paths.FeedbackDir)
	if err := extractor.RetrainWith(fbStore); err != nil {
		logger.Warn("initial example load failed", "error", err)
	}
	fbProcessor := feedback.NewProcessor(provider, stateStore, fbStore, extractor,
		notifier, metrics, cfg.Feedback.ConfidenceFloor, cfg.ImmediateRetrain, logger)

	seq, err := orderSeq(stateStore)
	if err != nil {
		return err
	}
	pipe := pipeline.New(clean, extractor, retriever, confirmer, verifier, writer,
		auditor, notifier, stateStore, &pipeline.Config{
			AutoThreshold:       cfg.Matching.AutoThreshold,
			ReviewThreshold:     cfg.Matching.ReviewThreshold,
			LineItemConcurrency: cfg.Processing.LineItemConcurrency,
			PerCallTimeout:      cfg.Processing.PerCallTimeout,
			PerMessageDeadline:  cfg.Processing.PerMessageDeadline,
		}, metrics, seq, logger)

	sup := supervisor.New(
		func() mailbox.Client {
			return mailbox.NewIMAPClient(&mailbox.IMAPConfig{
				Host: cfg.Mailbox.Host, Port: cfg.Mailbox.Port,
				User: cfg.Mailbox.User, Password: cfg.Mailbox.Password,
				Folder: cfg.Mailbox.Folder, TLS: cfg.Mailbox.TLS,
			}, logger)
		},
		pipe, syncer, index, fbProcessor, gateway, notifier, stateStore, metrics,
		&supervisor.Config{
			PollInterval:           cfg.Processing.PollInterval,
			HeartbeatInterval:      cfg.Processing.HeartbeatInterval,
			Workers:                cfg.Processing.Workers,
			SyncSchedule:           cfg.Processing.SyncSchedule,
			MaxConsecutiveFailures: cfg.Processing.MaxConsecutiveFailures,
			AlertCooldown:          cfg.Processing.HeartbeatInterval,
			HealthDir:              cfg.Paths.HealthDir,
			Reinit: func(ctx context.Context) error {
				erpClient.ResetSession()
				if err := store.Load(); err != nil {
					return err
				}
				return index.Refresh(ctx)
			},
		}, logger)

	if cfg.StatusListenAddr != "" {
		srv := server.New(cfg.StatusListenAddr, store, stateStore, metrics, sup, logger)
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	logger.Info("ordermail starting",
		"order_creation", cfg.EnableOrderCreation,
		"dry_run", cfg.Processing.DryRun,
		"notifications", cfg.EnableNotifications)
	if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	logger.Info("ordermail stopped")
	return nil
}

// orderSeq seeds the order id counter from the number of indexed results.
func orderSeq(st *state.Store) (int64, error) {
	counts, err := st.CountByStatus()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, n := range counts {
		total += int64(n)
	}
	return total, nil
}
