// Package pipeline implements the topologically ordered plugin chain
// described in spec.md §4.1, generalizing the teacher's
// component.Orchestrator (register-then-Start/Stop in registration order)
// into a graph ordered by declared prerequisites rather than registration
// order.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dorad-project/dorad/pkg/logger"
)

// Outcome is a plugin's verdict for the in-flight message.
type Outcome int

const (
	// Continue proceeds to the next plugin in order.
	Continue Outcome = iota
	// Respond halts the chain and emits the current response buffer.
	Respond
	// NoResponse halts silently; the packet is dropped without a reply.
	NoResponse
	// Error aborts the chain; the packet is dropped and a failure is recorded.
	Error
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Respond:
		return "respond"
	case NoResponse:
		return "no_response"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Plugin is one operation in the pipeline, keyed by Name and ordered
// relative to its declared Prerequisites.
type Plugin interface {
	Name() string
	Prerequisites() []string
	Handle(ctx context.Context, msg *MsgContext) (Outcome, error)
}

// ErrCycle is returned at construction time when the declared
// prerequisite graph is not acyclic; per spec.md §4.1 this is a startup
// fatal, never a runtime condition.
type ErrCycle struct {
	Stuck []string
}

func (e *ErrCycle) Error() string {
	return fmt.Sprintf("pipeline: dependency cycle among plugins: %v", e.Stuck)
}

// Metrics is the narrow counter surface the dispatcher updates on plugin
// failure; pkg/metrics supplies the Prometheus-backed implementation.
type Metrics interface {
	IncPluginErrors(plugin string)
}

type noopMetrics struct{}

func (noopMetrics) IncPluginErrors(string) {}

// Dispatcher runs a fixed, dependency-ordered sequence of plugins against
// each MsgContext.
type Dispatcher struct {
	ordered []Plugin
	metrics Metrics
	log     *slog.Logger
}

// New topologically sorts plugins by their declared prerequisites (Kahn's
// algorithm, the same approach pkg/classify uses for member() dependency
// ordering) and returns a Dispatcher that will run them in that order.
// A dependency cycle is returned as *ErrCycle; the caller should treat
// this as fatal at startup.
func New(plugins []Plugin, metrics Metrics) (*Dispatcher, error) {
	ordered, err := topoSort(plugins)
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Dispatcher{
		ordered: ordered,
		metrics: metrics,
		log:     logger.Component(logger.ComponentPipeline),
	}, nil
}

func topoSort(plugins []Plugin) ([]Plugin, error) {
	byName := make(map[string]Plugin, len(plugins))
	indegree := make(map[string]int, len(plugins))
	dependents := make(map[string][]string)

	for _, p := range plugins {
		byName[p.Name()] = p
		if _, ok := indegree[p.Name()]; !ok {
			indegree[p.Name()] = 0
		}
	}
	for _, p := range plugins {
		for _, dep := range p.Prerequisites() {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("pipeline: plugin %q declares unknown prerequisite %q", p.Name(), dep)
			}
			indegree[p.Name()]++
			dependents[dep] = append(dependents[dep], p.Name())
		}
	}

	var queue []string
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}

	var ordered []Plugin
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		ordered = append(ordered, byName[name])
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(ordered) != len(plugins) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		return nil, &ErrCycle{Stuck: stuck}
	}
	return ordered, nil
}

// Run walks the sorted plugin slice against msg. An Error outcome
// increments the plugin-errors metric and returns immediately with
// NoResponse; it never propagates a panic to the caller.
func (d *Dispatcher) Run(ctx context.Context, msg *MsgContext) (Outcome, error) {
	for _, p := range d.ordered {
		outcome, err := p.Handle(ctx, msg)
		if err != nil {
			d.metrics.IncPluginErrors(p.Name())
			d.log.Error("plugin failed", "plugin", p.Name(), "error", err)
			return NoResponse, fmt.Errorf("pipeline: plugin %q: %w", p.Name(), err)
		}
		switch outcome {
		case Continue:
			continue
		case Respond, NoResponse:
			return outcome, nil
		case Error:
			d.metrics.IncPluginErrors(p.Name())
			return NoResponse, nil
		default:
			return NoResponse, fmt.Errorf("pipeline: plugin %q returned unknown outcome %d", p.Name(), outcome)
		}
	}
	return Respond, nil
}

// Names returns the resolved plugin order, for diagnostics and tests.
func (d *Dispatcher) Names() []string {
	names := make([]string, len(d.ordered))
	for i, p := range d.ordered {
		names[i] = p.Name()
	}
	return names
}
