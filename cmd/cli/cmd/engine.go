package cmd

import (
	"context"

	"github.com/perf-analysis/internal/engine"
)

// openEngine opens the project rooted at the --dir flag, reusing the
// persistent logger root.go's PersistentPreRunE already configured.
func openEngine(ctx context.Context) (*engine.Engine, error) {
	return engine.Open(ctx, baseDir, GetLogger())
}
