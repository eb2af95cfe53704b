package hook

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var ErrPlanDone = errors.New("plan already ran")

// Step is one named installation action.
type Step struct {
	Name string
	Run  func(e *Engine) error
}

// Plan is the ordered list of installations done at attach. It runs front
// to back, once. The first failing step is fatal: the logger's Fatal is
// called with the step and address, which exits the process unless the
// logger's ExitFunc says otherwise.
type Plan struct {
	steps []Step
	done  bool
}

func NewPlan() *Plan {
	return &Plan{}
}

// Add appends a step and returns p for chaining.
func (p *Plan) Add(name string, run func(e *Engine) error) *Plan {
	p.steps = append(p.steps, Step{Name: name, Run: run})
	return p
}

func (p *Plan) Len() int {
	return len(p.steps)
}

// Steps returns the step names in order.
func (p *Plan) Steps() []string {
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.Name
	}
	return names
}

// Run executes every step against e. The error is returned only when the
// fatal log did not stop the process.
func (p *Plan) Run(e *Engine) error {
	if p.done {
		return ErrPlanDone
	}
	p.done = true

	for i, s := range p.steps {
		err := s.Run(e)
		if err == nil {
			continue
		}
		err = wrap(s.Name, 0, err)
		var he *Error
		errors.As(err, &he)
		e.log.WithFields(logrus.Fields{
			"step":  s.Name,
			"index": i,
			"kind":  he.Kind.String(),
			"addr":  fmt.Sprintf("0x%X", he.Addr),
		}).Fatalf("[HOOK] %s [FALHA]: %+v", s.Name, err)
		return err
	}
	e.log.Infof("[HOOK] %d steps [OK], %s", len(p.steps), e.Status())
	return nil
}
