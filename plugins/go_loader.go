package plugins

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

const (
	// PlanFuncName is the planning entry point a script may define:
	//   func Plan(role, context string) (string, error)
	PlanFuncName = "Plan"
	// ExecuteFuncName is the execution entry point a script may define:
	//   func Execute(mission, dir string) (int, error)
	ExecuteFuncName = "Execute"
)

// Script is a Go source file evaluated by the yaegi interpreter. Calls are
// serialized because one interpreter is shared by every caller.
type Script struct {
	path string
	mu   sync.Mutex
	fns  map[string]reflect.Value
}

// LoadScript interprets the file at path and resolves the entry points it
// defines. At least one of Plan or Execute must be present.
func LoadScript(path string) (*Script, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(code))) == 0 {
		return nil, fmt.Errorf("plugin: %s is empty", path)
	}
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("plugin: load stdlib symbols: %w", err)
	}
	if _, err := i.EvalPath(path); err != nil {
		return nil, fmt.Errorf("plugin: interpret %s: %w", path, err)
	}
	s := &Script{path: path, fns: map[string]reflect.Value{}}
	for _, name := range []string{PlanFuncName, ExecuteFuncName} {
		value, err := i.Eval(name)
		if err != nil || !value.IsValid() || value.Kind() != reflect.Func {
			continue
		}
		s.fns[name] = value
	}
	if len(s.fns) == 0 {
		return nil, fmt.Errorf("plugin: %s must define %s or %s", path, PlanFuncName, ExecuteFuncName)
	}
	return s, nil
}

// Path returns the script file.
func (s *Script) Path() string {
	return s.path
}

// Has reports whether the script defines the named entry point.
func (s *Script) Has(name string) bool {
	_, ok := s.fns[name]
	return ok
}

// Plan calls the script's Plan function.
func (s *Script) Plan(role, context string) (string, error) {
	results, err := s.call(PlanFuncName, role, context)
	if err != nil {
		return "", err
	}
	if results[0].Kind() != reflect.String {
		return "", fmt.Errorf("plugin: %s: %s must return (string, error)", s.path, PlanFuncName)
	}
	return results[0].String(), nil
}

// Execute calls the script's Execute function and returns its exit code.
func (s *Script) Execute(mission, dir string) (int, error) {
	results, err := s.call(ExecuteFuncName, mission, dir)
	if err != nil {
		return 0, err
	}
	switch results[0].Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return int(results[0].Int()), nil
	default:
		return 0, fmt.Errorf("plugin: %s: %s must return (int, error)", s.path, ExecuteFuncName)
	}
}

func (s *Script) call(name string, args ...string) ([]reflect.Value, error) {
	fn, ok := s.fns[name]
	if !ok {
		return nil, fmt.Errorf("plugin: %s does not define %s", s.path, name)
	}
	if fn.Type().NumIn() != len(args) {
		return nil, fmt.Errorf("plugin: %s: %s takes %d arguments, want %d", s.path, name, fn.Type().NumIn(), len(args))
	}
	in := make([]reflect.Value, len(args))
	for idx, arg := range args {
		in[idx] = reflect.ValueOf(arg)
	}
	s.mu.Lock()
	results, err := safeCall(fn, in)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("plugin: %s: %s: %w", s.path, name, err)
	}
	if len(results) != 2 {
		return nil, fmt.Errorf("plugin: %s: %s must return two values", s.path, name)
	}
	if !results[1].IsNil() {
		if e, ok := results[1].Interface().(error); ok && e != nil {
			return nil, e
		}
		return nil, fmt.Errorf("plugin: %s: %s returned non-error second value", s.path, name)
	}
	return results, nil
}

func safeCall(fn reflect.Value, in []reflect.Value) (results []reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn.Call(in), nil
}
