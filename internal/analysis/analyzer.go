// Package analysis enriches failed build results with an AI-generated
// diagnosis of the build log. The analyzer is strictly best-effort: a
// missing or failing provider never affects the build outcome itself.
package analysis

import "context"

// Analyzer produces a human-readable failure diagnosis from build log
// content.
type Analyzer interface {
	// AnalyzeFailure returns a diagnosis for the given (already excerpted)
	// log text.
	AnalyzeFailure(ctx context.Context, logText string) (string, error)
	// Name identifies the provider in status output.
	Name() string
}
