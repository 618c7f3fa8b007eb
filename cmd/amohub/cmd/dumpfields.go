package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/amohub/amohub/internal/config"
	"github.com/amohub/amohub/internal/crm"
)

var dumpFieldsCmd = &cobra.Command{
	Use:   "dump-fields",
	Short: "Print the amoCRM contact custom fields with their ids and enums",
	Long: `dump-fields lists every contact custom field in the connected amoCRM
account. Use the printed ids to fill contact_field_map.json in the funnel
config directory.`,
	RunE: runDumpFields,
}

func init() {
	rootCmd.AddCommand(dumpFieldsCmd)
}

func runDumpFields(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.AmoCRM.BaseURL == "" || cfg.AmoCRM.AccessToken == "" {
		return fmt.Errorf("amocrm is not configured (set amocrm.baseUrl and amocrm.accessToken)")
	}
	client, err := crm.NewClient(cfg.AmoCRM.BaseURL, cfg.AmoCRM.AccessToken)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	page := 1
	total := 0
	for {
		body, err := client.Request(ctx, "GET",
			fmt.Sprintf("/api/v4/contacts/custom_fields?limit=50&page=%d", page), nil)
		if err != nil {
			return fmt.Errorf("fetch custom fields: %w", err)
		}
		var resp struct {
			Embedded struct {
				CustomFields []struct {
					ID    int64  `json:"id"`
					Name  string `json:"name"`
					Type  string `json:"type"`
					Code  string `json:"code"`
					Enums []struct {
						ID    int64  `json:"id"`
						Value string `json:"value"`
					} `json:"enums"`
				} `json:"custom_fields"`
			} `json:"_embedded"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("parse custom fields: %w", err)
		}
		fields := resp.Embedded.CustomFields
		if len(fields) == 0 {
			break
		}
		for _, f := range fields {
			total++
			color.Cyan("%d  %s", f.ID, f.Name)
			fmt.Printf("    type=%s", f.Type)
			if f.Code != "" {
				fmt.Printf(" code=%s", f.Code)
			}
			fmt.Println()
			for _, e := range f.Enums {
				fmt.Printf("    enum %d: %s\n", e.ID, e.Value)
			}
		}
		if len(fields) < 50 {
			break
		}
		page++
	}

	if total == 0 {
		color.Yellow("No contact custom fields found.")
	} else {
		color.Green("%d field(s).", total)
	}
	return nil
}
