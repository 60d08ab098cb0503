package model

import "errors"

var (
	ErrMissingMemory    = errors.New("model: memory keys and values are required")
	ErrMissingInput     = errors.New("model: batch decoding requires an input sequence")
	ErrMissingPositions = errors.New("model: incremental decoding requires frame and text positions")
	ErrMemoryLengths    = errors.New("model: memory lengths must be in [1, T_mem]")
)
