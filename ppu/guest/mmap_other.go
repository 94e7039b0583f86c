//go:build !unix

package guest

func mapRAM(size int) ([]byte, func() error, error) {
	buf := make([]byte, size)
	return buf, func() error { return nil }, nil
}
