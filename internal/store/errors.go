package store

import "errors"

var (
	errNotFound = errors.New("store: not found")
)

func IsNotFound(err error) bool {
	return errors.Is(err, errNotFound)
}
