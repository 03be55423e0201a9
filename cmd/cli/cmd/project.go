package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/perf-analysis/internal/engine"
	"github.com/perf-analysis/pkg/config"
)

var (
	projectVersion string
	projectDBType  string
	projectDBName  string
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Scaffold and declare the fields of a project",
}

var projectInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create property.txt and an empty conf/attributes.json",
	RunE: func(cmd *cobra.Command, args []string) error {
		return engine.Create(baseDir, projectVersion, projectDBType, projectDBName)
	},
}

var projectSetPropertyCmd = &cobra.Command{
	Use:   "set-property <name> <value>",
	Short: "Rewrite one property.txt key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return engine.SetProperty(baseDir, args[0], args[1])
	},
}

var projectAddFieldCmd = &cobra.Command{
	Use:   "add-field <name> <type>",
	Short: "Declare one instance field (REAL, INTEGER, BIGINT, SMALLINT, TEXT or TEXT_ID)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return engine.AddField(baseDir, args[0], config.FieldType(strings.ToUpper(args[1])))
	},
}

var projectSetXCmd = &cobra.Command{
	Use:   "set-x <name,name,...>",
	Short: "Declare the ordered feature vector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return engine.SetX(baseDir, strings.Split(args[0], ","))
	},
}

var projectSetYCmd = &cobra.Command{
	Use:   "set-y <name>",
	Short: "Declare the label field",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return engine.SetY(baseDir, args[0])
	},
}

func init() {
	rootCmd.AddCommand(projectCmd)
	projectCmd.AddCommand(projectInitCmd, projectSetPropertyCmd, projectAddFieldCmd, projectSetXCmd, projectSetYCmd)

	projectInitCmd.Flags().StringVar(&projectVersion, "ver", "1.0.0", "Project version stored in property.txt")
	projectInitCmd.Flags().StringVar(&projectDBType, "db-type", "sqlite", "Storage driver: sqlite, mysql or postgres")
	projectInitCmd.Flags().StringVar(&projectDBName, "db-name", "model", "Database name (sqlite: file stem under sqlite/)")
}
