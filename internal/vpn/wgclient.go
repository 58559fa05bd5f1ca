package vpn

import (
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// WGClient is the slice of wgctrl the session manager uses: enumerating
// live WireGuard devices for teardown and status.
type WGClient interface {
	Devices() ([]*wgtypes.Device, error)
	Close() error
}

// DialWG opens a wgctrl client against the kernel.
func DialWG() (WGClient, error) {
	return wgctrl.New()
}
