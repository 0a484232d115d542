package registry

import (
	"sync"
	"sync/atomic"

	"github.com/drpcorg/stubindex/stub_errors"
	"github.com/drpcorg/stubindex/utils"
)

// CorruptionManager tracks the health of the persistent serializer table.
//
// A storage failure anywhere in the registry sets a sticky flag. While it is
// set every lookup fails with SerializerNotFoundError. Repair wipes the table
// and starts a new epoch; it is single-flight.
type CorruptionManager struct {
	corrupted atomic.Bool
	repairing sync.Mutex
	repair    func(cause error) error
	log       utils.Logger
}

func (c *CorruptionManager) Corrupted() bool {
	return c.corrupted.Load()
}

func (c *CorruptionManager) MarkCorrupted(err error) {
	if c.corrupted.CompareAndSwap(false, true) {
		c.log.Error("serializer registry corrupted", "err", err)
	}
}

// Repair rebuilds the registry if it is marked corrupted. It reports whether
// this call performed the repair. Concurrent callers block until the running
// repair finishes and then observe the repaired state.
func (c *CorruptionManager) Repair(cause error) (bool, error) {
	c.repairing.Lock()
	defer c.repairing.Unlock()
	if !c.corrupted.CompareAndSwap(true, false) {
		return false, nil
	}
	if err := c.repair(cause); err != nil {
		c.corrupted.Store(true)
		c.log.Error("serializer registry repair failed", "err", err)
		return true, err
	}
	return true, nil
}

// Reinitialize forces a repair regardless of the flag.
func (c *CorruptionManager) Reinitialize() error {
	c.corrupted.Store(true)
	_, err := c.Repair(stub_errors.ErrReinitialize)
	return err
}
