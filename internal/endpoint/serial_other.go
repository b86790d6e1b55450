//go:build !linux

package endpoint

import "fmt"

func setBaudRate(_ int, baud int) error {
	return fmt.Errorf("setting baud rate %d is only supported on linux; configure the device beforehand", baud)
}
