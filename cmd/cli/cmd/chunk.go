package cmd

import (
	"github.com/spf13/cobra"
)

var chunkCmd = &cobra.Command{
	Use:   "chunk",
	Short: "Stage new training data",
}

var chunkInsertCmd = &cobra.Command{
	Use:   "insert <csv-path>",
	Short: "Stage a CSV file as one pending chunk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		chunkID, err := eng.InsertChunkCSV(ctx, args[0])
		if err != nil {
			return err
		}
		GetLogger().Info("staged chunk %d from %s", chunkID, args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(chunkCmd)
	chunkCmd.AddCommand(chunkInsertCmd)
}
