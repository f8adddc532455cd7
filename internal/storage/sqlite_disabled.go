//go:build !sqlite

package storage

import (
	"errors"

	logx "signbot/pkg/logx"
)

// Stub for builds without the sqlite tag. The driver name still parses
// so the error can say what is missing.
func newSQLiteStore(Config, logx.Logger) (Store, error) {
	return nil, errors.New("storage: sqlite driver requires the sqlite build tag")
}
