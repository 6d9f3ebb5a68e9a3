//go:build !linux

package objstore

import "os"

func adviseSequential(*os.File) {}
