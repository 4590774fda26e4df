//go:build tinygo

package kernel

// captureStack has no goroutine dump to offer on tinygo.
func captureStack() []byte { return nil }
