package hosting

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrNilScript rejects constructors that produce no script.
	ErrNilScript = errors.New("hosting: script constructor returned nil")

	// ErrNilService rejects constructors that produce no service.
	ErrNilService = errors.New("hosting: service constructor returned nil")
)

// Script is the marker for application-logic extensions with a
// load/unload lifecycle. A plain script only holds references and
// subscribes to events; the two specialized shapes below get called back
// by the host.
type Script interface{}

// ActiveScript is ticked once per application cycle.
type ActiveScript interface {
	Script
	Tick()
}

// CommandScript runs once on its first tick and then unloads itself.
type CommandScript interface {
	Script
	Invoke()
}

// ScriptConstructor builds a script. Returning an error or a nil script
// is a configuration failure at startup and a load error at runtime.
type ScriptConstructor func(ctx *ScriptContext) (Script, error)

// ScriptContext is handed to every script constructor. Scripts keep it to
// unload themselves or to load further scripts.
type ScriptContext struct {
	// Registry resolves script and shared dependencies.
	Registry *Registry

	// Loader registers additional scripts at runtime.
	Loader *ScriptLoader

	unload func()
}

// Unload raises the script's unloading hook: the loader marks it inert
// and drops it at the next tick boundary.
func (c *ScriptContext) Unload() {
	if c.unload != nil {
		c.unload()
	}
}

type scriptHandle struct {
	script   Script
	ctx      *ScriptContext
	unloaded bool
}

// ScriptLoader constructs scripts and drives their lifecycle. Scripts
// loaded during a tick start participating on the next one; unloaded
// scripts stay enumerable but inert until the tick boundary compacts
// them. Tick-goroutine affine.
type ScriptLoader struct {
	log      *slog.Logger
	registry *Registry
	handles  []*scriptHandle
	added    []*scriptHandle
}

func NewScriptLoader(log *slog.Logger, registry *Registry) *ScriptLoader {
	return &ScriptLoader{
		log:      log.With("src", "scripts"),
		registry: registry,
	}
}

// Load constructs a script and schedules it for the next tick.
func (l *ScriptLoader) Load(ctor ScriptConstructor) (Script, error) {
	ctx := &ScriptContext{Registry: l.registry, Loader: l}

	script, err := ctor(ctx)
	if err != nil {
		return nil, fmt.Errorf("hosting: loading script: %w", err)
	}
	if script == nil {
		return nil, ErrNilScript
	}

	handle := &scriptHandle{script: script, ctx: ctx}
	ctx.unload = func() { handle.unloaded = true }
	l.added = append(l.added, handle)

	l.log.Debug("script loaded", "type", fmt.Sprintf("%T", script))

	return script, nil
}

// Count reports how many scripts are enumerable, live or inert.
func (l *ScriptLoader) Count() int {
	return len(l.handles) + len(l.added)
}

// tick promotes newly added scripts, runs the live ones, and compacts the
// unloaded. One script's failure never skips a sibling.
func (l *ScriptLoader) tick() {
	l.handles = append(l.handles, l.added...)
	l.added = nil

	for _, h := range l.handles {
		if h.unloaded {
			continue
		}

		switch s := h.script.(type) {
		case CommandScript:
			l.safeRun("invoke", func() { s.Invoke() })
			h.unloaded = true
		case ActiveScript:
			l.safeRun("tick", func() { s.Tick() })
		}
	}

	live := l.handles[:0]
	for _, h := range l.handles {
		if h.unloaded {
			l.log.Debug("script unloaded", "type", fmt.Sprintf("%T", h.script))
			continue
		}
		live = append(live, h)
	}
	for i := len(live); i < len(l.handles); i++ {
		l.handles[i] = nil
	}
	l.handles = live
}

// unloadAll drops every script, swallowing per-script failures. Called
// during application shutdown.
func (l *ScriptLoader) unloadAll() {
	l.handles = append(l.handles, l.added...)
	l.added = nil

	for _, h := range l.handles {
		if !h.unloaded {
			l.safeRun("unload", h.ctx.Unload)
		}
	}
	l.handles = nil
}

func (l *ScriptLoader) safeRun(op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Warn("script failure contained", "op", op, "panic", fmt.Sprint(r))
		}
	}()

	fn()
}
