//go:build !tinygo

package main

// The firmware only runs on the RP2350; build with:
//
//	tinygo build -target=pico2-w -scheduler=tasks .
//
// The host daemon lives in cmd/otad.
func main() {
	println("ota-engine firmware: build with tinygo, or run cmd/otad on a host")
}
