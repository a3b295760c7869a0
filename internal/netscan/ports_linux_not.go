//go:build !linux

package netscan

import "errors"

var errNoSockDiag = errors.New("sock_diag requires linux")

func Listeners() ([]Listener, error) {
	return nil, errNoSockDiag
}
