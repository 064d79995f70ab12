// Package source loads the byte documents the pipeline is configured from: nutrient tables and
// portion prior tables.
package source

import (
	"context"
	"errors"
)

// Source returns the full contents of one document.
type Source interface {
	Load(ctx context.Context) ([]byte, error)
}

// StaticSource serves fixed bytes, mostly for tests and embedded defaults.
type StaticSource struct {
	data []byte
	err  error
}

func NewStaticSource(data []byte) *StaticSource {
	return &StaticSource{data: data}
}

func NewStaticSourceWithError() *StaticSource {
	return &StaticSource{err: errors.New("not found")}
}

func (s *StaticSource) Load(ctx context.Context) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.data, nil
}
