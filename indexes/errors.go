package indexes

import (
	"errors"

	"github.com/drpcorg/stubindex/stub_errors"
	pkgerrors "github.com/pkg/errors"
)

func storageErr(err error, msg string) error {
	return pkgerrors.Wrap(errors.Join(stub_errors.ErrStorage, err), msg)
}
