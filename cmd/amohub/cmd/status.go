package cmd

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/amohub/amohub/internal/config"
	"github.com/amohub/amohub/internal/crm"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the effective configuration and collaborator readiness",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	path, _ := config.ConfigPath()

	fmt.Println("amohub status")
	fmt.Println("  config:", path)
	fmt.Println("  database:", cfg.DBPath)
	fmt.Println()

	fmt.Println("Channels")
	printReady("telegram", cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "")
	printReady("vk", cfg.Channels.VK.Enabled && len(cfg.Channels.VK.Tokens) > 0)
	printReady("slack", cfg.Channels.Slack.Enabled && cfg.Channels.Slack.AppToken != "" && cfg.Channels.Slack.BotToken != "")
	printReady("whatsapp", cfg.Channels.WhatsApp.Enabled)
	fmt.Println()

	fmt.Println("Collaborators")
	printReady("openai ("+cfg.OpenAI.Model+")", cfg.OpenAI.APIKey != "")
	crmReady := cfg.AmoCRM.BaseURL != "" && cfg.AmoCRM.AccessToken != ""
	printReady("amocrm", crmReady)
	if crmReady {
		if funnel, _, err := crm.LoadFunnel(cfg.AmoCRM.FunnelDir); err != nil {
			color.Yellow("    funnel config: %v", err)
		} else if funnel.Empty() {
			color.Yellow("    funnel config: empty (CRM tools disabled)")
		} else {
			fmt.Printf("    funnel: %d stage(s), %d question(s)\n",
				len(funnel.Stages()), len(funnel.Questions()))
		}
	}
	kafkaReady := len(cfg.Kafka.Brokers) > 0
	printReady("kafka audit", kafkaReady)
	if kafkaReady {
		fmt.Println("    brokers:", strings.Join(cfg.Kafka.Brokers, ", "))
	}
	return nil
}

func printReady(name string, ready bool) {
	if ready {
		color.Green("  [ok] %s", name)
	} else {
		color.Yellow("  [--] %s", name)
	}
}
