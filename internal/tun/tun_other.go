//go:build !linux

package tun

import "errors"

// Open is unsupported outside Linux; the ioctl-based tun attach in
// tun_linux.go has no portable equivalent in this codebase (spec.md's
// platform scope is Linux-hosted DNS tunnel servers).
func Open(cfg Config) (Device, error) {
	return nil, errors.New("tun: unsupported platform")
}
