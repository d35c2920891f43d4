package store

import "github.com/pkg/errors"

var ErrClosed = errors.New("store is closed")
