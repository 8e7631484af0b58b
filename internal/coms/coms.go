// Package coms registers the built-in unit types.
package coms

import (
	"github.com/hashicorp/go-multierror"

	"github.com/loykin/unitd/internal/coms/mount"
	"github.com/loykin/unitd/internal/coms/service"
	"github.com/loykin/unitd/internal/coms/socket"
	"github.com/loykin/unitd/internal/coms/target"
	"github.com/loykin/unitd/internal/unit"
)

// Options carry what the unit types need from the daemon.
type Options struct {
	Service service.Options
	Mount   mount.Options
	// NoMounts leaves the mount type unregistered; .mount units then fail
	// to load.
	NoMounts bool
}

// RegisterAll adds every built-in unit type to reg.
func RegisterAll(reg *unit.Registry, opts Options) error {
	var errs *multierror.Error
	errs = multierror.Append(errs, reg.Register(unit.TypeService, service.Factory(opts.Service)))
	errs = multierror.Append(errs, reg.Register(unit.TypeSocket, socket.Factory))
	if !opts.NoMounts {
		errs = multierror.Append(errs, reg.Register(unit.TypeMount, mount.Factory(opts.Mount)))
	}
	errs = multierror.Append(errs, reg.Register(unit.TypeTarget, target.Factory))
	return errs.ErrorOrNil()
}
