package upstream

// Call kinds use different endpoint-mirror orderings: project setup
// calls (loadCodeAssist/onboardUser) tend to succeed first against the
// "prod" mirror for brand new accounts, while generation calls do
// better hitting the "daily" mirror first.
type CallKind string

const (
	CallGenerate     CallKind = "generate"
	CallProjectSetup CallKind = "project_setup"
)

func endpointsFor(kind CallKind, generate, projectSetup []string) []string {
	if kind == CallProjectSetup {
		return projectSetup
	}
	return generate
}

func callPath(unary bool) string {
	if unary {
		return "/v1internal:generateContent"
	}
	return "/v1internal:streamGenerateContent?alt=sse"
}
