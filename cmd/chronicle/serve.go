package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"chronicle.dev/chronicle/runtime/chronicle/alias"
	"chronicle.dev/chronicle/runtime/chronicle/codec"
	"chronicle.dev/chronicle/runtime/chronicle/codec/anthropic"
	"chronicle.dev/chronicle/runtime/chronicle/codec/bedrock"
	"chronicle.dev/chronicle/runtime/chronicle/codec/ollama"
	"chronicle.dev/chronicle/runtime/chronicle/codec/openai"
	"chronicle.dev/chronicle/runtime/chronicle/config"
	"chronicle.dev/chronicle/runtime/chronicle/dispatcher"
	"chronicle.dev/chronicle/runtime/chronicle/eventqueue"
	"chronicle.dev/chronicle/runtime/chronicle/httpapi"
	"chronicle.dev/chronicle/runtime/chronicle/keyvault"
	"chronicle.dev/chronicle/runtime/chronicle/store/migrate"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Chronicle HTTP proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Env == "development" {
		ctx = log.Context(ctx, log.WithDebug())
	}

	st, db, ph, err := openDialect(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := migrate.Run(ctx, db, bootstrapSchemaFor(cfg.DatabaseURL), baselineMigrations, ph, time.Now); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	registry := codec.NewRegistry()
	registry.Register(openai.New())
	registry.Register(anthropic.New(4096))
	registry.Register(ollama.New())
	registry.Register(bedrock.New(bedrockClientFactory()))

	resolver := alias.New(st, nil)
	vault := keyvault.New(st)
	endpoints := dispatcher.NewEndpointResolver(vault, st)

	eq := eventqueue.NewRegistry(eventqueue.NewStorePosterFactory(st), func(url string, err error) {
		log.Printf(ctx, "event writer flush failed url=%s err=%v", url, err)
	})
	sink := eventqueue.NewLogSink(eq, eventqueue.StoreURL)

	disp := dispatcher.New(registry, resolver, endpoints, sink).WithCustomProviders(st)

	validator, err := httpapi.NewEventValidator()
	if err != nil {
		return fmt.Errorf("compile event schema: %w", err)
	}
	server := &httpapi.Server{Dispatcher: disp, Events: st, Validator: validator}

	httpSrv := &http.Server{Addr: cfg.Addr(), Handler: server.Router()}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf(ctx, "chronicle listening on %s", cfg.Addr())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	err = <-errc
	log.Printf(ctx, "exiting (%v)", err)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = eq.AwaitFlushed(shutdownCtx)

	wg.Wait()
	log.Printf(ctx, "exited")
	return nil
}

// bedrockRuntimeClient is an alias for the same interface literal that
// bedrock.runtimeClient aliases, so a func returning it has exactly the
// result type bedrock.ClientFactory declares and a *bedrockruntime.Client
// can be returned through the factory from outside the package.
type bedrockRuntimeClient = interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// bedrockClientFactory builds a runtime client from the process's default
// AWS config, honoring a per-call endpoint override for CustomProvider
// declarations that front Bedrock behind a VPC endpoint or proxy.
func bedrockClientFactory() bedrock.ClientFactory {
	return func(ctx context.Context, ep codec.Endpoint) (bedrockRuntimeClient, error) {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
		}
		return bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
			if ep.BaseURL != "" {
				o.BaseEndpoint = aws.String(ep.BaseURL)
			}
		}), nil
	}
}
