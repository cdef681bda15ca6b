package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ardiansah/wabot/internal/config"
)

// --- pair / unpair ---

var pairCmd = &cobra.Command{
	Use:   "pair <tenant>",
	Short: "Start pairing a tenant with the messaging provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/tenants/"+args[0]+"/pairing", nil)
		if err != nil {
			return err
		}

		var snap struct {
			State     string `json:"state"`
			SessionID string `json:"session_id"`
			Challenge string `json:"challenge"`
		}
		if err := decodeJSON(resp, &snap); err != nil {
			return err
		}

		printSuccess("Pairing started (session %s)", snap.SessionID)
		if snap.Challenge != "" {
			fmt.Printf("\nScan this challenge with the linked device:\n\n  %s\n\n", colorize(colorBold, snap.Challenge))
		}
		return nil
	},
}

var unpairCmd = &cobra.Command{
	Use:   "unpair <tenant>",
	Short: "Disconnect a tenant's messaging session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/tenants/"+args[0]+"/session")
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Tenant %s disconnected", args[0])
		return nil
	},
}

// --- connection ---

var connectionCmd = &cobra.Command{
	Use:   "connection <tenant>",
	Short: "Show a tenant's connection state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/tenants/"+args[0]+"/connection")
		if err != nil {
			return err
		}

		var snap struct {
			State         string `json:"state"`
			SessionID     string `json:"session_id"`
			Challenge     string `json:"challenge"`
			LinkedAccount string `json:"linked_account"`
		}
		if err := decodeJSON(resp, &snap); err != nil {
			return err
		}

		printStatus("State", "%s", snap.State)
		if snap.SessionID != "" {
			printStatus("Session", "%s", snap.SessionID)
		}
		if snap.LinkedAccount != "" {
			printStatus("Account", "%s", snap.LinkedAccount)
		}
		if snap.Challenge != "" {
			printStatus("Challenge", "%s", snap.Challenge)
		}
		return nil
	},
}

// --- policy ---

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage auto-reply policies",
}

var policyShowCmd = &cobra.Command{
	Use:   "show <tenant>",
	Short: "Show a tenant's policy as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/tenants/"+args[0]+"/policy")
		if err != nil {
			return err
		}

		var pol any
		if err := decodeJSON(resp, &pol); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(pol)
	},
}

var policySetCmd = &cobra.Command{
	Use:   "set <tenant> <field> <value>",
	Short: "Update one policy field",
	Long: `Update one policy field.

Fields:
  enabled         true or false
  model           completion model name
  system_prompt   system prompt text
  keywords        comma-separated keyword list (empty clears the filter)
  reply_delay_ms  delay before replying, in milliseconds
  max_tokens      completion token cap
  temperature     sampling temperature
  api_key         completion provider credential`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, field, raw := args[0], args[1], args[2]

		value, err := policyFieldValue(field, raw)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.patch(cmd.Context(), "/tenants/"+tenant+"/policy", map[string]any{field: value})
		if err != nil {
			return err
		}

		var pol map[string]any
		if err := decodeJSON(resp, &pol); err != nil {
			return err
		}

		if field == "api_key" {
			printSuccess("Set %s", field)
		} else {
			printSuccess("Set %s = %v", field, pol[field])
		}
		return nil
	},
}

var policyEnableCmd = &cobra.Command{
	Use:   "enable <tenant>",
	Short: "Enable auto-reply for a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(cmd, args[0], true)
	},
}

var policyDisableCmd = &cobra.Command{
	Use:   "disable <tenant>",
	Short: "Disable auto-reply for a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(cmd, args[0], false)
	},
}

func setEnabled(cmd *cobra.Command, tenant string, enabled bool) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	resp, err := client.patch(cmd.Context(), "/tenants/"+tenant+"/policy", map[string]any{"enabled": enabled})
	if err != nil {
		return err
	}

	var pol map[string]any
	if err := decodeJSON(resp, &pol); err != nil {
		return err
	}

	if enabled {
		printSuccess("Auto-reply enabled for %s", tenant)
	} else {
		printSuccess("Auto-reply disabled for %s", tenant)
	}
	return nil
}

func policyFieldValue(field, raw string) (any, error) {
	switch field {
	case "enabled":
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid boolean for %s: %w", field, err)
		}
		return v, nil
	case "reply_delay_ms", "max_tokens":
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid integer for %s: %w", field, err)
		}
		return v, nil
	case "temperature":
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number for %s: %w", field, err)
		}
		return v, nil
	case "keywords":
		if strings.TrimSpace(raw) == "" {
			return []string{}, nil
		}
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	case "model", "system_prompt", "api_key":
		return raw, nil
	}
	return nil, fmt.Errorf("unknown policy field %q", field)
}

func init() {
	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policySetCmd)
	policyCmd.AddCommand(policyEnableCmd)
	policyCmd.AddCommand(policyDisableCmd)
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats <tenant>",
	Short: "Show auto-reply statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/tenants/%s/stats?days=%d", args[0], days))
		if err != nil {
			return err
		}

		var body struct {
			PeriodDays int `json:"period_days"`
			Stats      struct {
				TotalReplies      int     `json:"total_replies"`
				SuccessfulReplies int     `json:"successful_replies"`
				SuccessRate       float64 `json:"success_rate"`
				AvgResponseTimeMs int64   `json:"avg_response_time_ms"`
				TotalTokensUsed   int64   `json:"total_tokens_used"`
			} `json:"stats"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}

		fmt.Printf("%s (last %d days)\n", colorize(colorBold, "Auto-reply stats"), body.PeriodDays)
		printStatus("Replies", "%d", body.Stats.TotalReplies)
		printStatus("Successful", "%d", body.Stats.SuccessfulReplies)
		printStatus("Success rate", "%.2f%%", body.Stats.SuccessRate)
		printStatus("Avg latency", "%dms", body.Stats.AvgResponseTimeMs)
		printStatus("Tokens used", "%d", body.Stats.TotalTokensUsed)
		return nil
	},
}

func init() {
	statsCmd.Flags().Int("days", 7, "trailing window in days")
}

// --- replies ---

var repliesCmd = &cobra.Command{
	Use:   "replies <tenant>",
	Short: "List recent auto-reply attempts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/tenants/%s/replies?limit=%d", args[0], limit))
		if err != nil {
			return err
		}

		var rows []struct {
			ID              string `json:"id"`
			ContactID       string `json:"contact_id"`
			OriginalMessage string `json:"original_message"`
			Response        string `json:"response"`
			Success         bool   `json:"success"`
			ErrorKind       string `json:"error_kind"`
			CreatedAt       string `json:"created_at"`
		}
		if err := decodeJSON(resp, &rows); err != nil {
			return err
		}

		if len(rows) == 0 {
			fmt.Println("No replies recorded.")
			return nil
		}

		for _, row := range rows {
			status := colorize(colorGreen, "ok")
			if !row.Success {
				status = colorize(colorRed, row.ErrorKind)
			}
			original := row.OriginalMessage
			if len(original) > 60 {
				original = original[:60] + "..."
			}
			fmt.Printf("%s  %s  [%s]  %s\n",
				colorize(colorCyan, row.ID[:8]),
				row.CreatedAt,
				status,
				original,
			)
		}
		return nil
	},
}

func init() {
	repliesCmd.Flags().Int("limit", 20, "maximum number of replies to list")
}

// --- test ---

var testCmd = &cobra.Command{
	Use:   "test <tenant> <message>",
	Short: "Run the auto-reply pipeline on a test message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		message := strings.Join(args[1:], " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/tenants/"+args[0]+"/test-reply", map[string]any{
			"message": message,
		})
		if err != nil {
			return err
		}

		var body struct {
			Suppressed bool `json:"suppressed"`
			Outcome    struct {
				Response     string `json:"response"`
				Success      bool   `json:"success"`
				ErrorKind    string `json:"error_kind"`
				ErrorMessage string `json:"error_message"`
				TokensUsed   int    `json:"tokens_used"`
			} `json:"outcome"`
			ResponseTimeMs int64 `json:"response_time_ms"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}

		if body.Suppressed {
			printWarning("Reply suppressed (auto-reply disabled or keyword filter did not match)")
			return nil
		}
		if !body.Outcome.Success {
			printError("Reply failed (%s): %s", body.Outcome.ErrorKind, body.Outcome.ErrorMessage)
			return nil
		}

		fmt.Println(body.Outcome.Response)
		printStatus("Latency", "%dms", body.ResponseTimeMs)
		printStatus("Tokens", "%d", body.Outcome.TokensUsed)
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
