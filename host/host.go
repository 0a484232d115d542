// Defines the Host interface the index components run against
package host

import (
	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/stubindex/utils"
)

type Host interface {
	Logger() utils.Logger
	WriteOptions() *pebble.WriteOptions
	Database() *pebble.DB
}
