package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"astrtown.ai/internal/config"
	"astrtown.ai/internal/dispatch"
	"astrtown.ai/internal/gateway"
	"astrtown.ai/internal/gatewayapi"
	"astrtown.ai/internal/inbox"
	"astrtown.ai/internal/journal"
	"astrtown.ai/internal/llm"
	"astrtown.ai/internal/logging"
	"astrtown.ai/internal/protocol"
	"astrtown.ai/internal/reflection"
	"astrtown.ai/internal/supervisor"
	"astrtown.ai/internal/tools"
)

const reflectionSystemPrompt = "You reflect on a character's experiences in a small simulated town. Reply with JSON only."

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the gateway and serve the tool endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			return run(cmd.Context(), cfg, log)
		},
	}
}

func secs(v float64) time.Duration { return time.Duration(v * float64(time.Second)) }

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	tasks := supervisor.New(ctx, log)
	defer tasks.Close()

	var (
		tokens     gateway.TokenSource = gateway.StaticTokens(cfg.Gateway.Token)
		fileTokens *config.FileTokenSource
	)
	if cfg.Gateway.TokenFile != "" {
		fts, err := config.NewFileTokenSource(cfg.Gateway.TokenFile, log)
		if err != nil {
			return fmt.Errorf("token file: %w", err)
		}
		fileTokens, tokens = fts, fts
	}

	api, err := gatewayapi.New(cfg.Gateway.URL, tokens)
	if err != nil {
		return err
	}
	validator, err := protocol.NewValidator()
	if err != nil {
		return err
	}

	eventLog := journal.NewEventLog(cfg.Storage.JournalDir)
	defer func() { _ = eventLog.Close() }()
	reflectionLog := journal.NewReflectionLog(cfg.Storage.JournalDir)
	defer func() { _ = reflectionLog.Close() }()

	var persona gateway.PersonaSyncer
	if cfg.Persona.Description != "" {
		persona = gatewayapi.NewPersonaSync(api, cfg.Persona.Description, log)
	}

	client, err := gateway.NewClient(gateway.Config{
		URL:                cfg.Gateway.URL,
		VersionRange:       cfg.Gateway.ProtocolVersionRange,
		Subscribe:          cfg.Gateway.Subscribe,
		Tokens:             tokens,
		ReconnectMin:       secs(cfg.Gateway.ReconnectMinDelaySec),
		ReconnectMax:       secs(cfg.Gateway.ReconnectMaxDelaySec),
		AckTimeout:         secs(cfg.Gateway.CommandAckTimeoutSec),
		TombstoneTTL:       secs(cfg.Gateway.LateAckTombstoneTTLSec),
		SayDebounceWindow:  time.Duration(cfg.Gateway.SayDebounceWindowMS) * time.Millisecond,
		SayDuplicateWindow: time.Duration(cfg.Gateway.SayDuplicateWindowMS) * time.Millisecond,
		Validator:          validator,
		Persona:            persona,
		Tasks:              tasks,
		Logger:             log,
	})
	if err != nil {
		return err
	}

	var reflections dispatch.ReflectionSpawner
	switch {
	case !cfg.ReflectionEnabled():
		log.Info("reflection disabled")
	case cfg.LLM.Model == "":
		log.Warn("reflection enabled but llm.model is empty; reflection disabled")
	default:
		completer, err := llm.New(llm.Config{
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
			System:  reflectionSystemPrompt,
		})
		if err != nil {
			return err
		}
		orch, err := reflection.New(reflection.Config{
			LLM:       completer,
			Memory:    api,
			Threshold: cfg.Reflection.ImportanceThreshold,
			Journal:   reflectionLog,
			Tasks:     tasks,
			Logger:    log,
		})
		if err != nil {
			return err
		}
		reflections = orch
	}

	box := inbox.New(inbox.DefaultCapacity, log)
	dispatcher, err := dispatch.New(dispatch.Config{
		InviteMode:            cfg.Dispatch.InviteDecisionMode,
		RefillWakeEnabled:     cfg.RefillWakeEnabled(),
		RefillMinWakeInterval: secs(cfg.Dispatch.RefillMinWakeIntervalSec),
		MaxContextRounds:      cfg.Dispatch.MaxContextRounds,
		UniqueSession:         cfg.Dispatch.UniqueSession,
		Gateway:               client,
		Committer:             box,
		Reflection:            reflections,
		Journal:               eventLog,
		Tasks:                 tasks,
		Logger:                log,
	})
	if err != nil {
		return err
	}
	client.SetEventHandler(dispatcher)

	srv, err := tools.NewServer(tools.Config{
		Gateway:    client,
		Events:     box,
		Memory:     api,
		Social:     api,
		HMACSecret: cfg.Tools.HMACSecret,
		Logger:     log,
	})
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Addr:              cfg.Tools.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if fileTokens != nil {
		g.Go(func() error { return fileTokens.Watch(gctx) })
	}
	g.Go(func() error { return client.Run(gctx) })
	g.Go(func() error {
		log.Info("tool server listening",
			zap.String("addr", cfg.Tools.Listen),
			zap.Bool("hmac", cfg.Tools.HMACSecret != ""))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("tool server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		client.Close()
		return nil
	})

	log.Info("bridge started",
		zap.String("gateway", logging.MaskURL(cfg.Gateway.URL)),
		zap.String("invite_mode", cfg.Dispatch.InviteDecisionMode))
	err = g.Wait()
	log.Info("bridge stopped")
	return err
}
