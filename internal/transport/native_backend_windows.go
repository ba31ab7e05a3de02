//go:build windows

package transport

// NewNativeBackend returns the net/http backend on Windows as well: there
// is no WinINet bridge, so the native and net/http constructors yield
// identical Transports on every platform.
func NewNativeBackend() Transport {
	return NewNetBackend()
}
