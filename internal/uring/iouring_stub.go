//go:build !linux

package uring

import "errors"

func newKernelRing(config Config) (Ring, error) {
	return nil, errors.New("io_uring is only available on linux")
}
