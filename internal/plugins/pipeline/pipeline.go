package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/peteski22/proxy-plugins/internal/metrics"
	"github.com/peteski22/proxy-plugins/internal/plugins"
	pkg "github.com/peteski22/proxy-plugins/pkg/contract/plugin"
)

const outcomeError = "error"

// Pipeline hosts registered plugins grouped by step and kind.
// NOTE: Use NewPipeline to create a new Pipeline.
type Pipeline struct {
	mu      sync.RWMutex
	logger  hclog.Logger
	plugins map[pkg.Step]map[pkg.Kind][]*plugins.Instance
}

// NewPipeline constructs a Pipeline.
func NewPipeline(logger hclog.Logger) *Pipeline {
	return &Pipeline{
		logger:  logger.Named("pipeline"),
		plugins: make(map[pkg.Step]map[pkg.Kind][]*plugins.Instance),
	}
}

// Register places a plugin into the pipeline according to its Step and Kind.
// Plugins of the same kind are executed in registration order.
func (p *Pipeline) Register(inst *plugins.Instance) error {
	if inst == nil || inst.Plugin == nil {
		return fmt.Errorf("%w: nil plugin", plugins.ErrInvalidConfig)
	}
	if _, ok := kindProps[inst.Kind()]; !ok {
		return fmt.Errorf("%w: unknown kind %q for plugin %s", plugins.ErrInvalidConfig, inst.Kind(), inst.ID())
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	step := inst.Step()
	if p.plugins[step] == nil {
		p.plugins[step] = make(map[pkg.Kind][]*plugins.Instance)
	}
	p.plugins[step][inst.Kind()] = append(p.plugins[step][inst.Kind()], inst)

	p.logger.Debug("registered plugin", "id", inst.ID(), "step", step, "kind", inst.Kind(), "required", inst.Required())
	return nil
}

// Len returns the number of plugins registered for step.
func (p *Pipeline) Len(step pkg.Step) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := 0
	for _, instances := range p.plugins[step] {
		n += len(instances)
	}
	return n
}

// active returns a snapshot of the plugins for step in execution order.
func (p *Pipeline) active(step pkg.Step) []*plugins.Instance {
	p.mu.RLock()
	defer p.mu.RUnlock()

	byKind := p.plugins[step]
	var out []*plugins.Instance
	for _, kind := range OrderedKinds {
		out = append(out, byKind[kind]...)
	}
	return out
}

// Run executes the plugins registered for step.
// The first plugin that responds or handles the request ends the step and its Result is returned.
// A continue Result is returned when every plugin let the request through.
// Errors follow the kind policy: plugins of kinds that cannot reject are logged and skipped,
// anything else ends the request with the error.
func (p *Pipeline) Run(ctx context.Context, step pkg.Step, s *pkg.Session, st *pkg.State) (pkg.Result, error) {
	active := p.active(step)
	if len(active) == 0 {
		p.logger.Trace("no active plugins", "step", step)
		return pkg.Continue(), nil
	}

	for _, i := range active {
		props := PropsForKind(i.Kind())

		res, err := i.Handle(ctx, s, st)
		if err == nil && res.Outcome == pkg.OutcomeRespond && res.Response == nil {
			err = fmt.Errorf("%w: respond result without a response", plugins.ErrInvalidResult)
		}

		if err == nil {
			metrics.RecordPluginResult(step.String(), string(i.Kind()), res.Outcome.String())
			if res.Outcome != pkg.OutcomeContinue {
				return res, nil
			}
			continue
		}

		metrics.RecordPluginResult(step.String(), string(i.Kind()), outcomeError)

		switch {
		case res.Outcome == pkg.OutcomeHandled:
			// The response is already on the wire, nothing else can be sent.
			return res, fmt.Errorf("plugin %s: %w", i.ID(), err)
		case i.Required():
			return pkg.Result{}, fmt.Errorf("%w: %s: %w", plugins.ErrRequiredPluginFailed, i.ID(), err)
		case props.CanReject:
			return pkg.Result{}, fmt.Errorf("plugin %s: %w", i.ID(), err)
		default:
			p.logger.Error(
				"plugin failed to handle request",
				"step", step,
				"kind", i.Kind(),
				"plugin", i.ID(),
				"err", err,
			)
		}
	}

	return pkg.Continue(), nil
}
