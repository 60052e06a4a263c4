// Package credentials holds the Wi-Fi network the device joins. The values
// are embedded from ssid.text and password.text at build time; keep real
// credentials out of version control.
package credentials

import (
	_ "embed"
	"errors"
	"strings"
)

var (
	//go:embed ssid.text
	ssid string
	//go:embed password.text
	pass string
)

// ErrNoSSID means ssid.text was left empty.
var ErrNoSSID = errors.New("credentials: ssid.text is empty")

// SSID returns the network name with surrounding whitespace removed.
func SSID() string { return strings.TrimSpace(ssid) }

// Password returns the network passphrase. An empty passphrase joins an
// open network.
func Password() string { return strings.TrimRight(pass, "\r\n") }

// Check reports whether the device was built with a network to join.
func Check() error {
	if SSID() == "" {
		return ErrNoSSID
	}
	return nil
}
