package cli

import (
	"fmt"

	"github.com/ogulcanaydogan/spend-guard/pkg/budget"
	"github.com/spf13/cobra"
)

var spendCmd = &cobra.Command{
	Use:   "spend",
	Short: "Record spend against a user's daily quotas",
	Long: `Record a finished call against the global, project and user quotas.
Pass --amount for a known USD cost (negative for a refund), or --model with
token counts to have the call priced.`,
	RunE: runSpend,
}

func init() {
	rootCmd.AddCommand(spendCmd)
	spendCmd.Flags().StringP("user", "u", "", "User ID")
	spendCmd.Flags().StringP("project", "p", "", "Project ID")
	spendCmd.Flags().Float64P("amount", "a", 0, "Amount in USD (negative for a refund)")
	spendCmd.Flags().StringP("model", "m", "", "Model name (e.g., gpt-4o, claude-3-5-sonnet)")
	spendCmd.Flags().Int64("input-tokens", 0, "Number of input tokens")
	spendCmd.Flags().Int64("cached-input-tokens", 0, "Number of cached input tokens")
	spendCmd.Flags().Int64("output-tokens", 0, "Number of output tokens")
	_ = spendCmd.MarkFlagRequired("user")
}

func runSpend(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	user, _ := cmd.Flags().GetString("user")
	project, _ := cmd.Flags().GetString("project")
	amount, _ := cmd.Flags().GetFloat64("amount")
	modelName, _ := cmd.Flags().GetString("model")
	inputTokens, _ := cmd.Flags().GetInt64("input-tokens")
	cachedTokens, _ := cmd.Flags().GetInt64("cached-input-tokens")
	outputTokens, _ := cmd.Flags().GetInt64("output-tokens")

	m, err := initManager(cfg, newLogger(cfg), nil)
	if err != nil {
		return err
	}
	defer m.Close()

	if cmd.Flags().Changed("amount") {
		err = m.RecordSpend(cmd.Context(), budget.SpendRecord{
			UserID:    user,
			Amount:    amount,
			ProjectID: project,
			Model:     modelName,
		})
	} else {
		amount, err = m.RecordUsage(cmd.Context(), budget.UsageRecord{
			UserID:            user,
			ProjectID:         project,
			Model:             modelName,
			InputTokens:       inputTokens,
			CachedInputTokens: cachedTokens,
			OutputTokens:      outputTokens,
		})
	}
	if err != nil {
		return fmt.Errorf("record spend: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Recorded spend:\n")
	fmt.Fprintf(out, "  User:     %s\n", user)
	if project != "" {
		fmt.Fprintf(out, "  Project:  %s\n", project)
	}
	if modelName != "" {
		fmt.Fprintf(out, "  Model:    %s\n", modelName)
	}
	fmt.Fprintf(out, "  Amount:   $%.6f\n", amount)

	return nil
}
