package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/lmdrive/internal/chat"
	"github.com/hyperifyio/lmdrive/internal/lmstudio"
	"github.com/hyperifyio/lmdrive/internal/mcp"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	var (
		configPath   string
		endpoint     string
		model        string
		prompt       string
		stream       bool
		tokenSaver   bool
		contextLimit int
		maxRounds    int
		verbose      bool
	)
	flag.StringVar(&configPath, "config", "", "Path to YAML config file")
	flag.StringVar(&endpoint, "endpoint", os.Getenv("LMDRIVE_ENDPOINT"), "OpenAI-compatible base URL (default "+lmstudio.DefaultBaseURL+")")
	flag.StringVar(&model, "model", os.Getenv("LMDRIVE_MODEL"), "Model name")
	flag.StringVar(&prompt, "prompt", "", "User prompt; '-' or empty reads stdin")
	flag.BoolVar(&stream, "stream", false, "Stream the answer as it is generated")
	flag.BoolVar(&tokenSaver, "token-saver", false, "Compress prior history into a summary")
	flag.IntVar(&contextLimit, "context-limit", 4096, "History inclusion bound in tokens")
	flag.IntVar(&maxRounds, "max-rounds", chat.DefaultMaxToolRounds, "Maximum tool rounds per request")
	flag.BoolVar(&verbose, "v", false, "Verbose logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	settings := &chat.Settings{ContextLimit: contextLimit, TokenSaver: tokenSaver}
	var servers map[string]mcp.ServerConfig
	if configPath != "" {
		cfg, err := loadFileConfig(configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("load config")
		}
		if endpoint == "" {
			endpoint = cfg.Endpoint
		}
		if model == "" {
			model = cfg.Model
		}
		settings.Temperature = cfg.Settings.Temperature
		settings.TopP = cfg.Settings.TopP
		settings.RepetitionPenalty = cfg.Settings.RepetitionPenalty
		settings.PresencePenalty = cfg.Settings.PresencePenalty
		settings.FrequencyPenalty = cfg.Settings.FrequencyPenalty
		settings.MaxTokens = cfg.Settings.MaxTokens
		settings.Seed = cfg.Settings.Seed
		settings.Stop = cfg.Settings.Stop
		settings.SystemPrompt = cfg.Settings.SystemPrompt
		if cfg.Settings.ContextLimit > 0 {
			settings.ContextLimit = cfg.Settings.ContextLimit
		}
		if cfg.Settings.TokenSaver {
			settings.TokenSaver = true
		}
		servers = cfg.Servers
	}
	if model == "" {
		log.Fatal().Msg("no model configured; pass -model or set it in the config file")
	}
	if prompt == "" || prompt == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			log.Fatal().Err(err).Msg("read prompt from stdin")
		}
		prompt = strings.TrimSpace(string(data))
	}
	if prompt == "" {
		log.Fatal().Msg("empty prompt")
	}

	ctx := context.Background()
	client := lmstudio.New(endpoint)

	orch := chat.New(client)
	orch.Stream = stream
	orch.MaxToolRounds = maxRounds
	if stream {
		orch.OnTextDelta = func(chunk string) { fmt.Print(chunk) }
	}

	registry := mcp.NewRegistry()
	defer registry.Close()
	if len(servers) > 0 {
		discoverCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		registry.Discover(discoverCtx, servers)
		cancel()
		settings.Tools = registry.Tools()
		orch.Executor = registry.Call
		log.Info().Int("tools", len(settings.Tools)).Msg("MCP discovery complete")
	}
	orch.OnToolEvent = func(ev chat.ToolEvent) {
		log.Debug().Str("tool", ev.Name).Str("error", ev.Err).Dur("elapsed", ev.Elapsed).Msg("tool event")
	}

	// First SIGINT cancels cooperatively; a second one force-exits.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Warn().Msg("interrupt: cancelling request")
		client.Cancel()
		<-sigCh
		os.Exit(130)
	}()

	conv := &chat.Conversation{
		ID:       uuid.NewString(),
		Model:    model,
		Messages: []chat.Message{chat.NewMessage("user", prompt)},
	}

	answer, err := orch.Run(ctx, conv, settings)
	if err != nil {
		var cancelled *lmstudio.CancelledError
		if errors.As(err, &cancelled) && cancelled.Partial != "" {
			// Present what arrived before cancellation as the answer.
			if !stream {
				fmt.Println(cancelled.Partial)
			} else {
				fmt.Println()
			}
			os.Exit(130)
		}
		log.Fatal().Err(err).Msg("request failed")
	}
	if stream {
		fmt.Println()
	} else {
		fmt.Println(answer)
	}
}
