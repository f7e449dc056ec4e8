package xhci

import (
	"errors"

	"github.com/ardnew/softxhci/pkg"
)

// Registry tracks attached controllers in attach order. Controllers are
// independent; the registry only gives the framework one place to visit
// them and to run the preboot halt and restore hooks.
type Registry struct {
	ctrls []*Controller
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// Add registers c. Adding a controller twice has no effect; a controller
// registered elsewhere moves to r. Closing c unregisters it.
func (r *Registry) Add(c *Controller) {
	if c.reg == r {
		return
	}
	if c.reg != nil {
		c.reg.Remove(c)
	}
	c.reg = r
	r.ctrls = append(r.ctrls, c)
	pkg.LogDebug(pkg.ComponentRegistry, "controller registered", "controller", c.Name(), "count", len(r.ctrls))
}

// Remove unregisters c and reports whether it was registered.
func (r *Registry) Remove(c *Controller) bool {
	for i, x := range r.ctrls {
		if x == c {
			r.ctrls = append(r.ctrls[:i], r.ctrls[i+1:]...)
			c.reg = nil
			return true
		}
	}
	return false
}

// Len returns the number of registered controllers.
func (r *Registry) Len() int { return len(r.ctrls) }

// Iterate calls fn for each controller until fn returns false. It reports
// whether every controller was visited.
func (r *Registry) Iterate(fn func(*Controller) bool) bool {
	for _, c := range r.ctrls {
		if !fn(c) {
			return false
		}
	}
	return true
}

// HaltAll halts and resets every controller so that none keeps accessing
// memory, as before handing the machine to a loaded image. Every
// controller is visited; errors are joined.
func (r *Registry) HaltAll() error {
	var errs []error
	for _, c := range r.ctrls {
		if err := c.Halt(); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := c.Reset(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		pkg.LogWarn(pkg.ComponentRegistry, "halt incomplete", "error", err)
	}
	return err
}

// RestoreAll brings every controller back to running after HaltAll.
func (r *Registry) RestoreAll() error {
	var errs []error
	for _, c := range r.ctrls {
		if err := c.Restore(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes and unregisters every controller.
func (r *Registry) Close() error {
	var errs []error
	for _, c := range append([]*Controller(nil), r.ctrls...) {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.ctrls = nil
	return errors.Join(errs...)
}
