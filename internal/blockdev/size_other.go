//go:build !linux

package blockdev

import "errors"

func blockSize(fd int) (int64, error) {
	return 0, errors.New("block device size query is only supported on linux")
}
