package mrmpi

import "github.com/grailbio/base/errors"

// errWrongState reports that an operation was invoked while the
// engine held the wrong container.
func errWrongState(op string, got containerState, want containerState) error {
	return errors.E(errors.Precondition, op+": requires a "+want.String()+", have a "+got.String())
}
