/*
Package analyzer submits preflight reports to an external LLM service for
an upgrade readiness assessment.

The analyzer is optional: it is configured through RKE2D_ANALYZER_URL and
RKE2D_ANALYZER_MODEL, a nil client reports itself disabled, and analyzer
failures degrade to a warning in the job output rather than failing the
preflight check.

The service returns a verdict (GO, CAUTION, NO-GO) with reasoning,
blockers, risks and an action plan; unknown verdicts are rejected. Only
the structured readiness report is submitted, never the kubeconfig or any
credential material.

# Usage

	client := analyzer.NewFromEnv()
	if client.Enabled() {
		result, err := client.Analyze(ctx, report)
	}
*/
package analyzer
