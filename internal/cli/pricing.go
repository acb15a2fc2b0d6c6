package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var pricingCmd = &cobra.Command{
	Use:   "pricing",
	Short: "Inspect model pricing",
}

var pricingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every priced model",
	RunE:  runPricingList,
}

var pricingCostCmd = &cobra.Command{
	Use:   "cost",
	Short: "Price a call from its token counts",
	RunE:  runPricingCost,
}

func init() {
	rootCmd.AddCommand(pricingCmd)
	pricingCmd.AddCommand(pricingListCmd)
	pricingCmd.AddCommand(pricingCostCmd)

	pricingCostCmd.Flags().StringP("model", "m", "", "Model name")
	pricingCostCmd.Flags().Int64("input-tokens", 0, "Number of input tokens")
	pricingCostCmd.Flags().Int64("cached-input-tokens", 0, "Number of cached input tokens")
	pricingCostCmd.Flags().Int64("output-tokens", 0, "Number of output tokens")
	_ = pricingCostCmd.MarkFlagRequired("model")
}

func runPricingList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	engine, err := initEngine(cfg)
	if err != nil {
		return err
	}

	quotes := engine.Models()
	if len(quotes) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No models priced. Check the pricing directory in config.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "PROVIDER\tMODEL\tINPUT ($/1M)\tOUTPUT ($/1M)\tCACHED INPUT ($/1M)\n")
	for _, q := range quotes {
		cached := "-"
		if q.CachedInputPerMillion > 0 {
			cached = fmt.Sprintf("$%.3f", q.CachedInputPerMillion)
		}
		fmt.Fprintf(w, "%s\t%s\t$%.3f\t$%.3f\t%s\n",
			q.Provider, q.Model,
			q.InputPerMillion, q.OutputPerMillion,
			cached,
		)
	}
	w.Flush()

	return nil
}

func runPricingCost(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	modelName, _ := cmd.Flags().GetString("model")
	inputTokens, _ := cmd.Flags().GetInt64("input-tokens")
	cachedTokens, _ := cmd.Flags().GetInt64("cached-input-tokens")
	outputTokens, _ := cmd.Flags().GetInt64("output-tokens")

	engine, err := initEngine(cfg)
	if err != nil {
		return err
	}

	cost, err := engine.CalculateWithCache(modelName, inputTokens, cachedTokens, outputTokens)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s (%s): $%.6f\n", modelName, engine.ProviderFor(modelName), cost)
	return nil
}
