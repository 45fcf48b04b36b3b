package hosting

import (
	"fmt"
	"log/slog"
)

// Service is the marker for long-lived extensions, constructed once at
// startup and bound for the application's lifetime.
type Service interface{}

// ActiveService is ticked once per application cycle, after request
// handling.
type ActiveService interface {
	Service
	Tick()
}

// ServiceConstructor builds a service from the registry. A failure is a
// configuration error and aborts startup.
type ServiceConstructor func(r *Registry) (Service, error)

// HostOpts declares the extension surface of an application.
type HostOpts struct {
	Log *slog.Logger

	Services []ServiceConstructor
	Scripts  []ScriptConstructor

	// SharedDeps are resolvable by both services and scripts;
	// ServiceDeps and ScriptDeps only by their own kind.
	SharedDeps  []any
	ServiceDeps []any
	ScriptDeps  []any
}

// Host owns the two extension categories: services and scripts. It is
// driven by the application once per tick, services first.
type Host struct {
	log *slog.Logger

	serviceRegistry *Registry
	scriptRegistry  *Registry

	ctors    []ServiceConstructor
	startup  []ScriptConstructor
	services []Service
	active   []ActiveService
	loader   *ScriptLoader
}

func NewHost(opts *HostOpts) *Host {
	serviceRegistry := &Registry{}
	scriptRegistry := &Registry{}

	for _, dep := range opts.SharedDeps {
		serviceRegistry.Add(dep)
		scriptRegistry.Add(dep)
	}
	for _, dep := range opts.ServiceDeps {
		serviceRegistry.Add(dep)
	}
	for _, dep := range opts.ScriptDeps {
		scriptRegistry.Add(dep)
	}

	log := opts.Log.With("src", "host")

	return &Host{
		log:             log,
		serviceRegistry: serviceRegistry,
		scriptRegistry:  scriptRegistry,
		ctors:           opts.Services,
		startup:         opts.Scripts,
		loader:          NewScriptLoader(opts.Log, scriptRegistry),
	}
}

// Loader exposes runtime script registration.
func (h *Host) Loader() *ScriptLoader { return h.loader }

// Services lists the constructed service instances.
func (h *Host) Services() []Service {
	return append([]Service(nil), h.services...)
}

// initialize constructs every service, then loads the startup scripts.
// Constructed services become resolvable by scripts.
func (h *Host) initialize() error {
	for _, ctor := range h.ctors {
		service, err := ctor(h.serviceRegistry)
		if err != nil {
			return configErr("constructing service", err)
		}
		if service == nil {
			return configErr("constructing service", ErrNilService)
		}

		h.services = append(h.services, service)
		h.scriptRegistry.Add(service)
		if active, ok := service.(ActiveService); ok {
			h.active = append(h.active, active)
		}

		h.log.Debug("service bound", "type", fmt.Sprintf("%T", service))
	}

	for _, ctor := range h.startup {
		if _, err := h.loader.Load(ctor); err != nil {
			return configErr("loading startup script", err)
		}
	}

	return nil
}

// tick runs services before scripts; each extension's failure is
// contained.
func (h *Host) tick() {
	for _, service := range h.active {
		h.safeTick(service)
	}
	h.loader.tick()
}

func (h *Host) safeTick(service ActiveService) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Warn("service failure contained",
				"type", fmt.Sprintf("%T", service), "panic", fmt.Sprint(r))
		}
	}()

	service.Tick()
}

// shutdown unloads every live script.
func (h *Host) shutdown() {
	h.loader.unloadAll()
}
