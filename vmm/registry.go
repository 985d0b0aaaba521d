// Package vmm holds the daemon's VM registry: which VMs exist, where their
// disk images live and whether their emulated block backend is up.
//
// A Registry is owned by a single dispatcher. Its mutex only protects the
// maps for read-only observers and is never held across backend I/O.
package vmm

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/arceos-hypervisor/arceos-vmm-drivers/pkg/errdefs"
	"github.com/arceos-hypervisor/arceos-vmm-drivers/pkg/wire"
)

// VM states reported by List.
const (
	StateRegistered = "registered"
	StateBooting    = "booting"
	StateRunning    = "running"
)

// Backends is the emulated block collection the registry drives.
type Backends interface {
	Setup(ctx context.Context, vmid uint64, path string, direct bool) error
	Remove(vmid uint64) error
	Exists(vmid uint64) bool
}

// Config configures a Registry.
type Config struct {
	Backends Backends
	DirectIO bool
	Journal  Journal // optional
	Log      *logrus.Entry
}

// Registry maps vmids to disk image paths and tracks their backends.
type Registry struct {
	mu      sync.RWMutex
	disks   map[uint64]string
	pending map[uint64]struct{}

	backends Backends
	direct   bool
	journal  Journal
	log      *logrus.Entry
}

// New creates a registry, reloading entries from cfg.Journal if set.
func New(cfg Config) (*Registry, error) {
	r := &Registry{
		disks:    make(map[uint64]string),
		pending:  make(map[uint64]struct{}),
		backends: cfg.Backends,
		direct:   cfg.DirectIO,
		journal:  cfg.Journal,
		log:      cfg.Log,
	}
	if r.log == nil {
		r.log = logrus.NewEntry(logrus.StandardLogger())
	}
	if r.journal != nil {
		saved, err := r.journal.Load()
		if err != nil {
			return nil, errors.Wrap(err, "load registry journal")
		}
		for vmid, path := range saved {
			r.disks[vmid] = path
		}
		if len(saved) > 0 {
			r.log.WithField("vms", len(saved)).Info("registry reloaded from journal")
		}
	}
	return r, nil
}

// Register records the disk image of vmid.
func (r *Registry) Register(vmid uint64, path string) error {
	if path == "" {
		return errors.Wrapf(errdefs.ErrInvalidInput, "VM [%d]: empty disk image path", vmid)
	}

	r.mu.Lock()
	if _, ok := r.disks[vmid]; ok {
		r.mu.Unlock()
		return errors.Wrapf(errdefs.ErrAlreadyRegistered, "VM [%d]", vmid)
	}
	r.disks[vmid] = path
	r.mu.Unlock()

	if r.journal != nil {
		if err := r.journal.Put(vmid, path); err != nil {
			r.mu.Lock()
			delete(r.disks, vmid)
			r.mu.Unlock()
			return errors.Wrapf(errdefs.ErrBadState, "VM [%d]: persist registration: %v", vmid, err)
		}
	}
	r.log.WithFields(logrus.Fields{"vmid": vmid, "path": path}).Info("VM registered")
	return nil
}

// DiskPathOf returns the disk image registered for vmid.
func (r *Registry) DiskPathOf(vmid uint64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.disks[vmid]
	return p, ok
}

// BeginBoot reserves vmid for a backend setup and returns its disk path.
// Every successful BeginBoot must be followed by FinishBoot.
func (r *Registry) BeginBoot(vmid uint64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	path, ok := r.disks[vmid]
	if !ok {
		return "", errors.Wrapf(errdefs.ErrNotRegistered, "boot VM [%d]", vmid)
	}
	if _, busy := r.pending[vmid]; busy || r.backends.Exists(vmid) {
		return "", errors.Wrapf(errdefs.ErrBackendExists, "boot VM [%d]", vmid)
	}
	r.pending[vmid] = struct{}{}
	return path, nil
}

// Setup runs the blocking backend setup for a reserved vmid. It touches no
// registry state and may run off the dispatcher.
func (r *Registry) Setup(ctx context.Context, vmid uint64, path string) error {
	return r.backends.Setup(ctx, vmid, path, r.direct)
}

// FinishBoot releases the reservation taken by BeginBoot.
func (r *Registry) FinishBoot(vmid uint64) {
	r.mu.Lock()
	delete(r.pending, vmid)
	r.mu.Unlock()
}

// Boot sets up vmid's backend synchronously.
func (r *Registry) Boot(ctx context.Context, vmid uint64) error {
	path, err := r.BeginBoot(vmid)
	if err != nil {
		return err
	}
	defer r.FinishBoot(vmid)
	return r.Setup(ctx, vmid, path)
}

// Shutdown tears down vmid's backend, if any, and forgets vmid. The vmid may
// be registered again afterwards.
func (r *Registry) Shutdown(vmid uint64) error {
	r.mu.RLock()
	_, ok := r.disks[vmid]
	_, busy := r.pending[vmid]
	r.mu.RUnlock()

	if !ok {
		return errors.Wrapf(errdefs.ErrNotRegistered, "shutdown VM [%d]", vmid)
	}
	if busy {
		return errors.Wrapf(errdefs.ErrBadState, "shutdown VM [%d]: boot in progress", vmid)
	}

	// The journal goes first so a failed write leaves everything as it was.
	if r.journal != nil {
		if err := r.journal.Delete(vmid); err != nil {
			return errors.Wrapf(errdefs.ErrBadState, "shutdown VM [%d]: persist removal: %v", vmid, err)
		}
	}

	if r.backends.Exists(vmid) {
		if err := r.backends.Remove(vmid); err != nil {
			r.restoreJournal(vmid)
			return errors.Wrapf(err, "shutdown VM [%d]", vmid)
		}
	}

	r.mu.Lock()
	delete(r.disks, vmid)
	r.mu.Unlock()

	r.log.WithField("vmid", vmid).Info("VM shut down")
	return nil
}

func (r *Registry) restoreJournal(vmid uint64) {
	if r.journal == nil {
		return
	}
	path, ok := r.DiskPathOf(vmid)
	if !ok {
		return
	}
	if err := r.journal.Put(vmid, path); err != nil {
		r.log.WithError(err).WithField("vmid", vmid).Error("journal out of sync with registry")
	}
}

// List returns every registered VM sorted by vmid.
func (r *Registry) List() []wire.VMInfo {
	r.mu.RLock()
	vms := make([]wire.VMInfo, 0, len(r.disks))
	for vmid, path := range r.disks {
		state := StateRegistered
		if _, busy := r.pending[vmid]; busy {
			state = StateBooting
		} else if r.backends.Exists(vmid) {
			state = StateRunning
		}
		vms = append(vms, wire.VMInfo{VMID: vmid, DiskImagePath: path, State: state})
	}
	r.mu.RUnlock()

	sort.Slice(vms, func(i, j int) bool { return vms[i].VMID < vms[j].VMID })
	return vms
}

// Len returns the number of registered VMs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.disks)
}

// Handle executes req and converts the outcome into a reply. The error behind
// a failed reply is returned as well.
func (r *Registry) Handle(ctx context.Context, req *wire.Request) (*wire.Reply, error) {
	var err error
	switch req.Type {
	case wire.TregisterVM:
		err = r.Register(req.VMID, req.DiskImagePath)
	case wire.TbootVM:
		err = r.Boot(ctx, req.VMID)
	case wire.TshutdownVM:
		err = r.Shutdown(req.VMID)
	case wire.TlistVMs:
		return wire.VMList(r.List()), nil
	default:
		err = errors.Wrapf(errdefs.ErrInvalidData, "request type %d", req.Type)
	}
	return wire.Result(err), err
}
