package stubindex

import (
	"errors"
	"slices"
	"sync"
)

type Problem struct {
	FileID FileID
	Err    error
}

// Problems collects per-file failures of an update. A nil *Problems
// discards everything.
type Problems struct {
	lock sync.Mutex
	list []Problem
}

func (p *Problems) Add(fileID FileID, err error) {
	if p == nil || err == nil {
		return
	}
	p.lock.Lock()
	p.list = append(p.list, Problem{FileID: fileID, Err: err})
	p.lock.Unlock()
}

// Merge appends the problems of other.
func (p *Problems) Merge(other *Problems) {
	for _, pr := range other.List() {
		p.Add(pr.FileID, pr.Err)
	}
}

func (p *Problems) Len() int {
	if p == nil {
		return 0
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.list)
}

func (p *Problems) List() []Problem {
	if p == nil {
		return nil
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	return slices.Clone(p.list)
}

// Files lists the affected files, sorted, each once.
func (p *Problems) Files() []FileID {
	list := p.List()
	files := make([]FileID, 0, len(list))
	for _, pr := range list {
		files = append(files, pr.FileID)
	}
	slices.Sort(files)
	return slices.Compact(files)
}

// Has reports whether any recorded problem matches target.
func (p *Problems) Has(target error) bool {
	for _, pr := range p.List() {
		if errors.Is(pr.Err, target) {
			return true
		}
	}
	return false
}

func (p *Problems) Err() error {
	list := p.List()
	errs := make([]error, 0, len(list))
	for _, pr := range list {
		errs = append(errs, pr.Err)
	}
	return errors.Join(errs...)
}
