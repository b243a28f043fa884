// Package gpio reads the physical pause button.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// Reader reads the pause button line.
type Reader interface {
	// Read returns whether the button is held down. The line is wired
	// active-low against a pull-up: raw 0 = pressed.
	Read() (bool, error)

	// Close releases GPIO resources.
	Close() error
}

// Defaults (BCM numbering).
const (
	DefaultChip = "gpiochip0"
	DefaultPin  = 17
)
