package stubindex

import (
	"errors"
	"testing"

	"github.com/drpcorg/stubindex/stub_errors"
	"github.com/stretchr/testify/assert"
)

var errFailingKey = errors.New("failing key")

func TestProblems(t *testing.T) {
	var nilProblems *Problems
	nilProblems.Add(1, errFailingKey)
	assert.Zero(t, nilProblems.Len())
	assert.NoError(t, nilProblems.Err())

	p := &Problems{}
	p.Add(3, errFailingKey)
	p.Add(1, stub_errors.ErrHashCollision)
	p.Add(3, nil)
	p.Add(3, stub_errors.ErrMalformed)
	assert.Equal(t, 3, p.Len())
	assert.Equal(t, []FileID{1, 3}, p.Files())
	assert.True(t, p.Has(stub_errors.ErrHashCollision))
	assert.False(t, p.Has(stub_errors.ErrStorage))
	assert.ErrorIs(t, p.Err(), errFailingKey)
	assert.ErrorIs(t, p.Err(), stub_errors.ErrMalformed)

	merged := &Problems{}
	merged.Add(9, stub_errors.ErrStorage)
	merged.Merge(p)
	merged.Merge(nil)
	assert.Equal(t, []FileID{1, 3, 9}, merged.Files())
	assert.Equal(t, 4, merged.Len())
}
