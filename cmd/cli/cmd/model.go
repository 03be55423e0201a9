package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/perf-analysis/internal/engine"
	"github.com/perf-analysis/pkg/errors"
)

var debugVerify bool

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Train and query the classifier",
}

var modelUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Fold every staged chunk into the current generation",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		if err := eng.Update(ctx); err != nil {
			return err
		}
		return verifyIfRequested(ctx, eng)
	},
}

var modelRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Build the first generation, or graft the current one's weak leaves onto a new one",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		genID, err := eng.Rebuild(ctx)
		if err != nil {
			return err
		}
		if genID == 0 {
			GetLogger().Info("rebuild: no weak leaves improved, nothing grafted")
		} else {
			GetLogger().Info("built generation %d", genID)
		}
		return verifyIfRequested(ctx, eng)
	},
}

var modelPredictCmd = &cobra.Command{
	Use:   "predict <json-instance>",
	Short: `Classify one instance, e.g. '{"outlook":"rain","windy":0}'`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		var features map[string]any
		if err := json.Unmarshal([]byte(args[0]), &features); err != nil {
			return errors.Wrap(errors.CodeInvalidParameter, "instance is not valid json", err)
		}

		result, err := eng.Predict(ctx, features)
		if err != nil {
			return err
		}

		label := result.LabelText
		if label == "" {
			label = fmt.Sprintf("%d", result.LabelIndex)
		}
		fmt.Println(label)
		return nil
	},
}

// verifyIfRequested runs the read-only consistency diagnostic when --verify
// was passed (or property.txt's debug.verify is set), per §4.F's
// debug-mode verification addition.
func verifyIfRequested(ctx context.Context, eng *engine.Engine) error {
	if !debugVerify && !eng.DebugVerifyEnabled() {
		return nil
	}
	issues, err := eng.VerifyAll(ctx)
	if err != nil {
		return err
	}
	for _, issue := range issues {
		GetLogger().Warn("verify: %s: %s", issue.Check, issue.Detail)
	}
	if len(issues) > 0 {
		return fmt.Errorf("verify found %d inconsistency(ies)", len(issues))
	}
	return nil
}

func init() {
	rootCmd.AddCommand(modelCmd)
	modelCmd.AddCommand(modelUpdateCmd, modelRebuildCmd, modelPredictCmd)

	modelCmd.PersistentFlags().BoolVar(&debugVerify, "verify", false, "Run the read-only consistency diagnostic after the operation")
}
