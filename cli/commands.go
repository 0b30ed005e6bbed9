package cli

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/graphworks/docpipe/api"
	"github.com/graphworks/docpipe/chunker"
	"github.com/graphworks/docpipe/extract"
	"github.com/graphworks/docpipe/kgraph"
	"github.com/graphworks/docpipe/pipeline"
	"github.com/graphworks/docpipe/queue"
	"github.com/graphworks/docpipe/ratelimit"
	"github.com/graphworks/docpipe/storage"
	"github.com/graphworks/docpipe/worker"
)

// graphProvider labels entity mappings so deletion knows which engine
// holds the episodes.
const graphProvider = "graphiti"

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "run the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		rt, err := setup(ctx, "docpipe-api")
		if err != nil {
			return err
		}
		defer rt.broker.Close()

		objects, err := newObjectStore(ctx, rt)
		if err != nil {
			return err
		}
		graphs := map[string]kgraph.GraphClient{graphProvider: newGraphClient(rt)}

		coordinator := pipeline.NewCoordinator(rt.store, rt.broker, rt.log)
		deleter := pipeline.NewDeleter(rt.store, objects, graphs, rt.log)
		server := api.NewServer(rt.store, coordinator, deleter, rt.log)

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(fmt.Sprintf("%s:%d", rt.cfg.Server.Host, rt.cfg.Server.Port))
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "run the queue consumers for all pipeline phases",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		rt, err := setup(ctx, "docpipe-worker")
		if err != nil {
			return err
		}
		defer rt.broker.Close()

		objects, err := newObjectStore(ctx, rt)
		if err != nil {
			return err
		}

		governor, err := newGovernor(rt)
		if err != nil {
			return err
		}

		transcriber := extract.NewHTTPTranscriber(extract.TranscriberConfig{
			URL:     rt.cfg.Transcription.URL,
			APIKey:  rt.cfg.Transcription.APIKey,
			Timeout: rt.cfg.Transcription.Timeout,
			Retries: rt.cfg.Transcription.Retries,
		}, rt.log)
		audio := extract.NewFFmpegExtractor(rt.log)
		extractor := extract.NewService(objects, transcriber, audio, rt.cfg.Transcription.RatePerMinute, rt.log)

		contextualizer := chunker.NewContextualizer(
			chunker.NewMessagesClient(rt.cfg.Anthropic.APIKey),
			rt.cfg.Anthropic.Model,
			rt.cfg.Anthropic.MaxContextTokens,
			rt.log,
		)
		chunks := chunker.New(contextualizer, governor, "anthropic", rt.cfg.ChunkingMaxConcurrent, rt.log)

		ingestor := kgraph.NewIngestor(newGraphClient(rt), rt.store, governor, graphProvider, rt.cfg.KGMaxConcurrent, rt.log)

		var oauthCfg *oauth2.Config
		if rt.cfg.Google.ClientID != "" {
			oauthCfg = &oauth2.Config{
				ClientID:     rt.cfg.Google.ClientID,
				ClientSecret: rt.cfg.Google.ClientSecret,
				Endpoint:     google.Endpoint,
			}
		}

		handlers := worker.NewHandlers(worker.Deps{
			Store:       rt.store,
			Objects:     objects,
			Extractor:   extractor,
			Chunker:     chunks,
			Ingestor:    ingestor,
			Coordinator: pipeline.NewCoordinator(rt.store, rt.broker, rt.log),
			Retrier:     pipeline.NewRetrier(rt.store, rt.broker, rt.log),
			Broker:      rt.broker,
			Progress:    rt.broker,
			FetcherFor:  worker.GDriveFetcherFactory(rt.store, oauthCfg, rt.log),
		}, rt.log)

		pool := worker.NewPool(rt.broker, handlers.Routes(), worker.DefaultConfig(), rt.log)
		pool.Start()
		<-ctx.Done()
		pool.Stop()
		return nil
	},
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "promote delayed retry tasks into their queues",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		rt, err := setup(ctx, "docpipe-scheduler")
		if err != nil {
			return err
		}
		defer rt.broker.Close()

		queue.NewScheduler(rt.broker, rt.log).Run(ctx)
		return nil
	},
}

var reaperCmd = &cobra.Command{
	Use:   "reaper",
	Short: "fail phases that outlived their expected completion time",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		rt, err := setup(ctx, "docpipe-reaper")
		if err != nil {
			return err
		}
		defer rt.broker.Close()

		pipeline.NewReaper(rt.store, rt.log).Run(ctx)
		return nil
	},
}

func newObjectStore(ctx context.Context, rt *runtime) (*storage.S3Store, error) {
	return storage.NewS3Store(ctx, storage.Config{
		Endpoint:     rt.cfg.ObjectStore.Endpoint,
		Region:       rt.cfg.ObjectStore.Region,
		Bucket:       rt.cfg.ObjectStore.Bucket,
		AccessKey:    rt.cfg.ObjectStore.AccessKey,
		SecretKey:    rt.cfg.ObjectStore.SecretKey,
		UsePathStyle: rt.cfg.ObjectStore.UsePathStyle,
	}, rt.log)
}

func newGraphClient(rt *runtime) *kgraph.HTTPClient {
	return kgraph.NewHTTPClient(kgraph.ClientConfig{
		URL:     rt.cfg.Graph.URL,
		APIKey:  rt.cfg.Graph.APIKey,
		Timeout: rt.cfg.Graph.Timeout,
	}, rt.log)
}

func newGovernor(rt *runtime) (*ratelimit.Governor, error) {
	opts, err := redis.ParseURL(rt.cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	limits := make(map[string]ratelimit.Limits, len(rt.cfg.RateLimits))
	for provider, l := range rt.cfg.RateLimits {
		limits[provider] = ratelimit.Limits{RPM: l.RPM, TPM: l.TPM}
	}
	return ratelimit.New(redis.NewClient(opts), limits, rt.log), nil
}
