package units

// Byte size constants for configuration defaults.
const (
	BYTE     = 1
	KILOBYTE = 1024 * BYTE
	MEGABYTE = 1024 * KILOBYTE
	GIGABYTE = 1024 * MEGABYTE
)
