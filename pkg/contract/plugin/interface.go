package plugin

import (
	"context"
	"net/http"
)

// Plugin defines the contract for in-process request plugins.
//
// Plugins are built once from a configuration string when they are registered
// and are shared read-only across all requests afterwards.
type Plugin interface {
	// Step returns the pipeline step the plugin runs at.
	Step() Step

	// Kind returns the plugin category, used by the host for ordering and diagnostics.
	Kind() Kind

	// Handle inspects the request and the per-request State.
	// It may mutate the State and may produce a Result that ends the pipeline.
	// A returned error is fatal for the request being handled.
	// Implementations must not retain s or st once Handle returns.
	Handle(ctx context.Context, s *Session, st *State) (Result, error)
}

// Session is the host's view of the request currently being handled.
type Session struct {
	// Request is the inbound request.
	Request *http.Request

	// Writer is the outbound connection. Only streamed responders write to it
	// directly, and they must report that by returning a handled Result.
	Writer http.ResponseWriter
}

const (
	// OutcomeContinue lets the pipeline move on to the next plugin.
	OutcomeContinue Outcome = iota

	// OutcomeRespond ends the pipeline and asks the host to write Result.Response.
	OutcomeRespond

	// OutcomeHandled ends the pipeline; the response was already written to the Session.
	OutcomeHandled
)

// Outcome tags what the host should do after a plugin has run.
type Outcome int

func (o Outcome) String() string {
	switch o {
	case OutcomeContinue:
		return "continue"
	case OutcomeRespond:
		return "respond"
	case OutcomeHandled:
		return "handled"
	default:
		return "unknown"
	}
}

// Result is returned by Plugin.Handle.
// The zero value is a continue result.
type Result struct {
	Outcome  Outcome
	Response *Response
}

// Continue returns a result that lets the pipeline proceed.
func Continue() Result { return Result{Outcome: OutcomeContinue} }

// Respond returns a result that ends the pipeline with resp.
func Respond(resp *Response) Result { return Result{Outcome: OutcomeRespond, Response: resp} }

// Handled returns a result telling the host the response has already been written.
func Handled() Result { return Result{Outcome: OutcomeHandled} }
