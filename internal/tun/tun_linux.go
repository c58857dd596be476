//go:build linux

package tun

import (
	"fmt"
	"os"
	"os/exec"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ifNameSize = 16
	tunSetIff  = 0x400454ca // TUNSETIFF
	iffTun     = 0x0001
	iffNoPI    = 0x1000
)

type ifReq struct {
	name  [ifNameSize]byte
	flags uint16
	_     [22]byte
}

// linuxDevice opens /dev/net/tun and binds it to a named interface via the
// TUNSETIFF ioctl (spec.md §6), grounded on the pack's own raw-ioctl,
// per-OS-file precedent (golang.org/x/sys/unix used the same way in
// internal/transport/socket_linux.go for low-level socket options).
type linuxDevice struct {
	f    *os.File
	name string
}

// Open creates (or attaches to) a tun interface and assigns it cfg's
// address, netmask, and MTU via `ip`, mirroring how iodine's own startup
// shells out to ifconfig/ip rather than using netlink directly.
func Open(cfg Config) (Device, error) {
	f, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tun: open /dev/net/tun: %w", err)
	}
	var req ifReq
	copy(req.name[:], cfg.Name)
	req.flags = iffTun | iffNoPI
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), tunSetIff, uintptr(unsafe.Pointer(&req))); errno != 0 {
		f.Close()
		return nil, fmt.Errorf("tun: TUNSETIFF: %w", errno)
	}
	name := cString(req.name[:])
	if err := configureLink(name, cfg); err != nil {
		f.Close()
		return nil, err
	}
	return &linuxDevice{f: f, name: name}, nil
}

func configureLink(name string, cfg Config) error {
	mtu := cfg.MTU
	if mtu == 0 {
		mtu = 1130
	}
	cidr := fmt.Sprintf("%s/%s", cfg.MyIP, cfg.Netmask)
	if err := exec.Command("ip", "addr", "add", cidr, "dev", name).Run(); err != nil {
		return fmt.Errorf("tun: assign address: %w", err)
	}
	if err := exec.Command("ip", "link", "set", "dev", name, "mtu", fmt.Sprint(mtu), "up").Run(); err != nil {
		return fmt.Errorf("tun: bring interface up: %w", err)
	}
	return nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (d *linuxDevice) Read(buf []byte) (int, error)  { return d.f.Read(buf) }
func (d *linuxDevice) Write(buf []byte) (int, error) { return d.f.Write(buf) }
func (d *linuxDevice) Close() error                  { return d.f.Close() }
func (d *linuxDevice) Name() string                  { return d.name }
