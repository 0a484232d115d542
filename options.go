package stubindex

import (
	"errors"
	"log/slog"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/stubindex/fwdindex"
	"github.com/drpcorg/stubindex/utils"
)

type Options struct {
	pebble.Options

	// Definitions and Indexer are required.
	Definitions *fwdindex.Definitions
	Indexer     Indexer

	Logger      utils.Logger
	KeyStrategy fwdindex.KeyStrategy
	// StableIndex makes forward index bytes a function of the map contents.
	StableIndex bool
	// Paranoid decodes and compares trees whose content hashes match.
	Paranoid           bool
	RebuildCheckPeriod time.Duration
	QueryCacheSize     int
	// InternNames shares name strings read from stub trees.
	InternNames bool
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.KeyStrategy == 0 {
		o.KeyStrategy = fwdindex.EnumeratedKeys
	}
	if o.RebuildCheckPeriod == 0 {
		o.RebuildCheckPeriod = time.Second
	}
	if o.QueryCacheSize == 0 {
		o.QueryCacheSize = 10000
	}
}

func (o *Options) validate() error {
	if o.Definitions == nil {
		return errors.New("stubindex: no index definitions")
	}
	if o.Indexer == nil {
		return errors.New("stubindex: no indexer")
	}
	return nil
}
