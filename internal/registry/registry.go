// Package registry tracks the applications registered with the arbiter: their client
// handles, callback sinks and shared scan usage stats.
package registry

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/blearb/internal/notify"
	"github.com/srg/blearb/internal/usagestats"
)

// ErrUnknownClient is returned for handles that are not registered.
var ErrUnknownClient = errors.New("unknown client handle")

// Side separates the client and server namespaces of client handles.
type Side int

const (
	ClientSide Side = iota
	ServerSide
)

func (s Side) String() string {
	if s == ServerSide {
		return "server"
	}
	return "client"
}

// App is one registration.
type App struct {
	Handle     int
	Name       string
	Side       Side
	Privileged bool
	Notifier   notify.Notifier
	Stats      *usagestats.Stats
	Registered time.Time
}

// Options configure the usage stats created per application name.
type Options struct {
	HistorySize     int
	ExcessiveWindow time.Duration
	Clock           usagestats.Clock
}

// Registry is safe for concurrent use.
type Registry struct {
	next   atomic.Int64
	sides  [2]*hashmap.Map[int, *App]
	stats  *hashmap.Map[string, *usagestats.Stats]
	opts   Options
	logger *logrus.Logger
}

// New creates an empty registry.
func New(opts Options, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		sides:  [2]*hashmap.Map[int, *App]{hashmap.New[int, *App](), hashmap.New[int, *App]()},
		stats:  hashmap.New[string, *usagestats.Stats](),
		opts:   opts,
		logger: logger,
	}
}

// Register adds an application and returns its registration. Registrations of the same
// name share one usage stats record, so throttling follows the app across handles.
func (r *Registry) Register(name string, side Side, n notify.Notifier, privileged bool) *App {
	if n == nil {
		n = notify.Discard
	}
	app := &App{
		Handle:     int(r.next.Add(1)),
		Name:       name,
		Side:       side,
		Privileged: privileged,
		Notifier:   n,
		Stats:      r.StatsFor(name),
		Registered: time.Now(),
	}
	r.sides[side].Set(app.Handle, app)

	r.logger.WithFields(logrus.Fields{
		"client_if": app.Handle,
		"app":       name,
		"side":      side,
	}).Info("Application registered")
	return app
}

// StatsFor returns the usage stats shared by every registration of name.
func (r *Registry) StatsFor(name string) *usagestats.Stats {
	if s, ok := r.stats.Get(name); ok {
		return s
	}
	s, _ := r.stats.GetOrInsert(name, usagestats.New(name, r.opts.HistorySize, r.opts.ExcessiveWindow, r.opts.Clock))
	return s
}

// Lookup returns the registration of handle.
func (r *Registry) Lookup(handle int, side Side) (*App, bool) {
	return r.sides[side].Get(handle)
}

// Find returns the registration of handle on either side. Handles are unique across
// sides.
func (r *Registry) Find(handle int) (*App, bool) {
	for _, side := range r.sides {
		if app, ok := side.Get(handle); ok {
			return app, true
		}
	}
	return nil, false
}

// Notifier returns the callback sink of handle, or notify.Discard.
func (r *Registry) Notifier(handle int, side Side) notify.Notifier {
	if app, ok := r.sides[side].Get(handle); ok {
		return app.Notifier
	}
	return notify.Discard
}

// Unregister removes handle. Unknown handles are ignored.
func (r *Registry) Unregister(handle int, side Side) {
	if !r.sides[side].Del(handle) {
		return
	}
	r.logger.WithFields(logrus.Fields{
		"client_if": handle,
		"side":      side,
	}).Info("Application unregistered")
}

// Len returns the number of registrations on side.
func (r *Registry) Len(side Side) int {
	return r.sides[side].Len()
}

// Apps returns the registrations on side in no particular order.
func (r *Registry) Apps(side Side) []*App {
	var out []*App
	r.sides[side].Range(func(_ int, app *App) bool {
		out = append(out, app)
		return true
	})
	return out
}
