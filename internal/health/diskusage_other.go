//go:build !unix

package health

import "errors"

func diskUsage(string) (free, total uint64, err error) {
	return 0, 0, errors.ErrUnsupported
}
