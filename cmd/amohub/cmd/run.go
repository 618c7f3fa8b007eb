package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/amohub/amohub/internal/actions"
	"github.com/amohub/amohub/internal/agent"
	"github.com/amohub/amohub/internal/audit"
	"github.com/amohub/amohub/internal/bus"
	"github.com/amohub/amohub/internal/channels"
	"github.com/amohub/amohub/internal/config"
	"github.com/amohub/amohub/internal/crm"
	"github.com/amohub/amohub/internal/hub"
	"github.com/amohub/amohub/internal/provider"
	"github.com/amohub/amohub/internal/storage"
	"github.com/amohub/amohub/internal/tools"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the assistant with all configured channels",
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// voiceSender is implemented by connectors that can deliver voice files.
type voiceSender interface {
	SendVoice(ctx context.Context, chatID, filePath string) error
}

// reactionSender is implemented by connectors that can react to messages.
type reactionSender interface {
	SendReaction(ctx context.Context, chatID, messageID, emoji string) error
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	b := bus.NewMessageBus()

	crmSvc, err := buildCRM(cfg, store)
	if err != nil {
		return err
	}

	publisher := audit.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.TopicPrefix)
	defer publisher.Close()

	connectors := buildConnectors(cfg)
	binding := &actions.Binding{}

	var llm provider.LLMProvider
	var loop *agent.Loop
	if cfg.OpenAI.APIKey != "" {
		llm = provider.NewOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.APIBase, cfg.OpenAI.Model)
		loop = agent.NewLoop(llm, buildRegistry(binding, crmSvc), cfg.OpenAI.Model, cfg.OpenAI.MaxToolRounds)
		loop.Tune(cfg.OpenAI.MaxTokens, cfg.OpenAI.Temperature)
	} else {
		color.Yellow("No OpenAI API key configured; replying with the fallback message only.")
	}

	var engine hub.CRMEngine
	if crmSvc != nil {
		engine = crmSvc
	}
	h := hub.New(b, store, hub.Options{
		CRM:          engine,
		Loop:         loop,
		Transcriber:  llm,
		Publisher:    publisher,
		SystemPrompt: cfg.SystemPrompt(),
	})
	bindActions(binding, h, connectors)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	started := startConnectors(ctx, b, connectors)
	if len(started) == 0 {
		color.Yellow("No channels started; the assistant is idle. Configure at least one channel.")
	}
	defer func() {
		for _, c := range started {
			if err := c.Stop(); err != nil {
				slog.Warn("Connector stop failed", "connector", c.Name(), "error", err)
			}
		}
	}()

	go func() {
		if err := b.DispatchOutbound(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Outbound dispatcher stopped", "error", err)
		}
	}()

	color.Green("amohub running on %d channel(s). Press Ctrl+C to stop.", len(started))
	if err := h.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	fmt.Println("Shutting down.")
	return nil
}

func buildCRM(cfg *config.Config, store *storage.Service) (*crm.Service, error) {
	if cfg.AmoCRM.BaseURL == "" || cfg.AmoCRM.AccessToken == "" {
		slog.Info("amoCRM not configured, running without funnel tracking")
		return nil, nil
	}
	client, err := crm.NewClient(cfg.AmoCRM.BaseURL, cfg.AmoCRM.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("amocrm client: %w", err)
	}
	funnel, contactFields, err := crm.LoadFunnel(cfg.AmoCRM.FunnelDir)
	if err != nil {
		return nil, fmt.Errorf("load funnel config: %w", err)
	}
	return crm.NewService(client, store, funnel, contactFields), nil
}

func buildConnectors(cfg *config.Config) []channels.Connector {
	var conns []channels.Connector
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		conns = append(conns, channels.NewTelegram(cfg.Channels.Telegram.Token))
	}
	if cfg.Channels.VK.Enabled {
		// One connector per community token; they share the "vk" channel key.
		for _, token := range cfg.Channels.VK.Tokens {
			if strings.TrimSpace(token) == "" {
				continue
			}
			conns = append(conns, channels.NewVK(token))
		}
	}
	if cfg.Channels.Slack.Enabled && cfg.Channels.Slack.AppToken != "" {
		conns = append(conns, channels.NewSlack(cfg.Channels.Slack.AppToken, cfg.Channels.Slack.BotToken))
	}
	if cfg.Channels.WhatsApp.Enabled {
		dbPath := cfg.Channels.WhatsApp.DBPath
		if dbPath == "" {
			home, _ := os.UserHomeDir()
			dbPath = home + "/" + config.ConfigDir + "/whatsapp.db"
		}
		conns = append(conns, channels.NewWhatsApp(dbPath))
	}
	return conns
}

func startConnectors(ctx context.Context, b *bus.MessageBus, conns []channels.Connector) []channels.Connector {
	var started []channels.Connector
	for _, c := range conns {
		if err := c.Start(ctx, b); err != nil {
			slog.Error("Connector failed to start, skipping", "connector", c.Name(), "error", err)
			continue
		}
		started = append(started, c)
	}
	return started
}

// bindActions wires the messaging capabilities: text goes through the
// hub so it is persisted like any reply, voice and reactions go to the
// connector directly when it supports them.
func bindActions(binding *actions.Binding, h *hub.Hub, conns []channels.Connector) {
	byChannel := make(map[string]channels.Connector, len(conns))
	for _, c := range conns {
		if _, ok := byChannel[c.Channel()]; !ok {
			byChannel[c.Channel()] = c
		}
	}

	binding.SendText = h.SendText
	binding.SendVoice = func(ctx context.Context, channel, chatID, filePath string) error {
		c, ok := byChannel[channel]
		if !ok {
			return fmt.Errorf("channel %s not running", channel)
		}
		vs, ok := c.(voiceSender)
		if !ok {
			return fmt.Errorf("channel %s cannot send voice", channel)
		}
		return vs.SendVoice(ctx, chatID, filePath)
	}
	binding.SendReaction = func(ctx context.Context, channel, chatID, messageID, emoji string) error {
		c, ok := byChannel[channel]
		if !ok {
			return fmt.Errorf("channel %s not running", channel)
		}
		rs, ok := c.(reactionSender)
		if !ok {
			return fmt.Errorf("channel %s cannot send reactions", channel)
		}
		return rs.SendReaction(ctx, chatID, messageID, emoji)
	}
}

func buildRegistry(binding *actions.Binding, crmSvc *crm.Service) *tools.Registry {
	registry := tools.NewRegistry()
	registry.MustRegister(tools.NewSendTextTool(binding))
	registry.MustRegister(tools.NewSendVoiceTool(binding))
	registry.MustRegister(tools.NewSendReactionTool(binding))
	if crmSvc != nil && !crmSvc.Funnel().Empty() {
		registry.MustRegister(tools.NewUpdateLeadFieldsTool(crmSvc))
		registry.MustRegister(tools.NewSetLeadStageTool(crmSvc))
	}
	return registry
}
