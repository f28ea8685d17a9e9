package plugin

import "fmt"

const (
	// StepRequest runs as soon as the request has been read, before any routing decision.
	StepRequest Step = iota

	// StepProxyUpstream runs immediately before the request is handed to the upstream.
	StepProxyUpstream
)

// OrderedSteps defines the order in which the host runs pipeline steps for a request.
var OrderedSteps = []Step{StepRequest, StepProxyUpstream}

// Step indicates which request lifecycle stage a plugin runs at.
type Step int

func (s Step) String() string {
	switch s {
	case StepRequest:
		return "request"
	case StepProxyUpstream:
		return "proxy_upstream"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// ParseStep converts the textual form of a Step back into a Step.
// An empty string selects StepRequest.
func ParseStep(s string) (Step, error) {
	switch s {
	case "", "request":
		return StepRequest, nil
	case "proxy_upstream":
		return StepProxyUpstream, nil
	default:
		return 0, fmt.Errorf("unknown plugin step: %q", s)
	}
}
