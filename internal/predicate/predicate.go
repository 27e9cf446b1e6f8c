// Package predicate compiles boolean filter expressions evaluated against an
// object's attribute values. Two languages are supported: expr-lang (default)
// and CEL.
package predicate

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
	celgo "github.com/google/cel-go/cel"
)

// Engine names.
const (
	EngineExpr = "expr"
	EngineCEL  = "cel"
)

// Error captures the engine and source alongside the originating error.
type Error struct {
	Engine string
	Source string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("predicate: %s %q: %v", e.Engine, e.Source, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Program is a compiled predicate.
type Program interface {
	Engine() string
	Source() string
	Match(vars map[string]interface{}) (bool, error)
}

// Cache stores compiled programs keyed by engine, variable set and source.
type Cache struct {
	mu       sync.RWMutex
	programs map[string]Program
}

// NewCache creates an empty program cache.
func NewCache() *Cache {
	return &Cache{programs: make(map[string]Program)}
}

func (c *Cache) get(key string) (Program, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.programs[key]
	return p, ok
}

func (c *Cache) set(key string, p Program) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.programs[key] = p
	c.mu.Unlock()
}

// Len returns the number of cached programs.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}

// Compile compiles source for engine. variables lists the names the
// expression may reference; CEL needs them declared up front.
func (c *Cache) Compile(engine, source string, variables []string) (Program, error) {
	if strings.TrimSpace(source) == "" {
		return nil, &Error{Engine: engine, Source: source, Err: errors.New("expression must not be empty")}
	}
	vars := append([]string(nil), variables...)
	sort.Strings(vars)
	key := engine + "\x00" + strings.Join(vars, ",") + "\x00" + source
	if p, ok := c.get(key); ok {
		return p, nil
	}

	var (
		p   Program
		err error
	)
	switch engine {
	case EngineExpr, "":
		p, err = compileExpr(source)
	case EngineCEL:
		p, err = compileCEL(source, vars)
	default:
		err = &Error{Engine: engine, Source: source, Err: errors.New("unknown predicate engine")}
	}
	if err != nil {
		return nil, err
	}
	c.set(key, p)
	return p, nil
}

type exprProgram struct {
	source  string
	program *exprvm.Program
}

func compileExpr(source string) (Program, error) {
	program, err := exprlang.Compile(source,
		exprlang.AllowUndefinedVariables(),
		exprlang.AsBool(),
	)
	if err != nil {
		return nil, &Error{Engine: EngineExpr, Source: source, Err: err}
	}
	return &exprProgram{source: source, program: program}, nil
}

func (p *exprProgram) Engine() string { return EngineExpr }
func (p *exprProgram) Source() string { return p.source }

func (p *exprProgram) Match(vars map[string]interface{}) (bool, error) {
	out, err := exprlang.Run(p.program, vars)
	if err != nil {
		return false, &Error{Engine: EngineExpr, Source: p.source, Err: err}
	}
	matched, ok := out.(bool)
	if !ok {
		return false, &Error{Engine: EngineExpr, Source: p.source, Err: fmt.Errorf("expression returned %T, want bool", out)}
	}
	return matched, nil
}

type celProgram struct {
	source    string
	variables []string
	program   celgo.Program
}

func compileCEL(source string, variables []string) (Program, error) {
	opts := make([]celgo.EnvOption, 0, len(variables))
	for _, name := range variables {
		opts = append(opts, celgo.Variable(name, celgo.DynType))
	}
	env, err := celgo.NewEnv(opts...)
	if err != nil {
		return nil, &Error{Engine: EngineCEL, Source: source, Err: err}
	}
	ast, issues := env.Parse(source)
	if issues != nil && issues.Err() != nil {
		return nil, &Error{Engine: EngineCEL, Source: source, Err: issues.Err()}
	}
	checked, issues := env.Check(ast)
	if issues != nil && issues.Err() != nil {
		return nil, &Error{Engine: EngineCEL, Source: source, Err: issues.Err()}
	}
	prg, err := env.Program(checked)
	if err != nil {
		return nil, &Error{Engine: EngineCEL, Source: source, Err: err}
	}
	return &celProgram{source: source, variables: variables, program: prg}, nil
}

func (p *celProgram) Engine() string { return EngineCEL }
func (p *celProgram) Source() string { return p.source }

func (p *celProgram) Match(vars map[string]interface{}) (bool, error) {
	activation := make(map[string]interface{}, len(p.variables))
	for _, name := range p.variables {
		activation[name] = vars[name]
	}
	out, _, err := p.program.Eval(activation)
	if err != nil {
		return false, &Error{Engine: EngineCEL, Source: p.source, Err: err}
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, &Error{Engine: EngineCEL, Source: p.source, Err: fmt.Errorf("expression returned %T, want bool", out.Value())}
	}
	return matched, nil
}
