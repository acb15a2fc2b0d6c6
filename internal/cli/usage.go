package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/ogulcanaydogan/spend-guard/pkg/budget"
	"github.com/ogulcanaydogan/spend-guard/pkg/guard"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check whether a call may proceed under the daily quotas",
	RunE:  runCheck,
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show today's spend per scope",
	RunE:  runUsage,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(usageCmd)

	checkCmd.Flags().StringP("user", "u", "", "User ID")
	checkCmd.Flags().StringP("project", "p", "", "Project ID")
	checkCmd.Flags().Float64P("estimate", "e", 0, "Estimated cost of the call in USD")
	checkCmd.Flags().StringP("model", "m", "", "Model used to estimate the cost from --prompt")
	checkCmd.Flags().String("prompt", "", "Prompt text to estimate the cost from")
	checkCmd.Flags().Int64("max-output-tokens", 0, "Output token cap used for the estimate")
	_ = checkCmd.MarkFlagRequired("user")

	usageCmd.Flags().StringP("user", "u", "", "User ID")
	usageCmd.Flags().StringP("project", "p", "", "Project ID")
	_ = usageCmd.MarkFlagRequired("user")
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	user, _ := cmd.Flags().GetString("user")
	project, _ := cmd.Flags().GetString("project")
	estimate, _ := cmd.Flags().GetFloat64("estimate")
	modelName, _ := cmd.Flags().GetString("model")
	prompt, _ := cmd.Flags().GetString("prompt")
	maxOut, _ := cmd.Flags().GetInt64("max-output-tokens")

	m, err := initManager(cfg, newLogger(cfg), nil)
	if err != nil {
		return err
	}
	defer m.Close()

	if estimate == 0 && modelName != "" {
		estimate, err = m.EstimateCost(modelName, prompt, maxOut)
		if err != nil {
			return fmt.Errorf("estimate cost: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	err = m.CheckAvailability(cmd.Context(), budget.CheckRequest{
		UserID:        user,
		ProjectID:     project,
		EstimatedCost: estimate,
	})
	if errors.Is(err, guard.ErrBudgetExceeded) {
		fmt.Fprintf(out, "DENIED: %v\n", err)
		return err
	}
	if err != nil {
		return fmt.Errorf("check availability: %w", err)
	}

	fmt.Fprintf(out, "ALLOWED (estimated $%.6f)\n", estimate)
	return nil
}

func runUsage(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	user, _ := cmd.Flags().GetString("user")
	project, _ := cmd.Flags().GetString("project")

	m, err := initManager(cfg, newLogger(cfg), nil)
	if err != nil {
		return err
	}
	defer m.Close()

	usage, err := m.Usage(cmd.Context(), user, project)
	if err != nil {
		return fmt.Errorf("read usage: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "SCOPE\tLIMIT\tSPENT\tREMAINING\tUSAGE\tRESETS IN\n")
	for _, u := range usage {
		pct := float64(0)
		if u.Limit > 0 {
			pct = (u.UsedUSD / u.Limit) * 100
		}

		status := ""
		switch {
		case u.UsedUSD >= u.Limit:
			status = " [EXCEEDED]"
		case pct >= 95:
			status = " [CRITICAL]"
		case pct >= cfg.Alerts.ThresholdPct:
			status = " [WARNING]"
		}

		fmt.Fprintf(w, "%s\t$%.2f\t$%.4f\t$%.4f\t%.1f%%%s\t%s\n",
			u.Name(), u.Limit, u.UsedUSD, u.RemainingUSD,
			pct, status, time.Duration(u.ResetsIn)*time.Second,
		)
	}
	w.Flush()

	return nil
}
