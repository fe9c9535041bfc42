package types

import "github.com/edgelesssys/go-sgx-ra/status"

func errBufferSize(got, want int) error {
	return status.Errorf(status.ErrInvalidParameter, "buffer must be %d bytes, got %d", want, got)
}

func errTailSize(name string, header uint32, actual int) error {
	return status.Errorf(status.ErrInvalidParameter, "%s size field says %d bytes, buffer holds %d", name, header, actual)
}

// cloneTail copies a variable length tail. Empty tails are returned as nil.
func cloneTail(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
