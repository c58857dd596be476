// Package config parses the server's command-line configuration surface
// (spec.md §6 "Configuration").
package config

import (
	"flag"
	"fmt"
	"net"
	"time"
)

// Config holds every external-interface setting spec.md §6 names.
type Config struct {
	TopDomain   string
	Password    string
	MyIP        net.IP
	TunIP       net.IP
	Netmask     string
	MTU         int
	ListenPort  int
	NSIP        net.IP
	CheckIP     bool
	Debug       int
	MaxIdleTime time.Duration
	BindPort    int
}

// Parse builds a Config from args (normally os.Args[1:]), in the style of
// the teacher's flag.Var-based cmd/server/main.go.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("iodined", flag.ContinueOnError)

	topdomain := fs.String("topdomain", "", "DNS suffix this server owns (required)")
	password := fs.String("password", "", "shared tunnel password (required)")
	myIP := fs.String("my-ip", "", "externally-visible tunnel endpoint address (required)")
	tunIP := fs.String("tun-ip", "", "first address in the tunnel subnet handed to clients")
	netmask := fs.String("netmask", "27", "tunnel subnet mask (CIDR bits)")
	mtu := fs.Int("mtu", 1130, "tunnel MTU advertised to clients")
	listenPort := fs.Int("port", 53, "UDP port to listen for DNS queries on")
	nsIP := fs.String("ns-ip", "", "optional external NS address to advertise")
	checkIP := fs.Bool("check-ip", true, "reject queries whose source address changed mid-session")
	debug := fs.Int("debug", 0, "debug verbosity (0 = off)")
	maxIdle := fs.Duration("max-idle-time", 0, "shut down after this long with no active user (0 = never)")
	bindPort := fs.Int("bind-port", 0, "local resolver port to forward non-tunnel queries to (0 = disabled)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *topdomain == "" || *password == "" || *myIP == "" {
		return nil, fmt.Errorf("config: -topdomain, -password and -my-ip are required")
	}
	ip := net.ParseIP(*myIP)
	if ip == nil {
		return nil, fmt.Errorf("config: invalid -my-ip %q", *myIP)
	}
	var tip net.IP
	if *tunIP != "" {
		tip = net.ParseIP(*tunIP)
		if tip == nil {
			return nil, fmt.Errorf("config: invalid -tun-ip %q", *tunIP)
		}
	}
	var nsip net.IP
	if *nsIP != "" {
		nsip = net.ParseIP(*nsIP)
		if nsip == nil {
			return nil, fmt.Errorf("config: invalid -ns-ip %q", *nsIP)
		}
	}

	return &Config{
		TopDomain:   *topdomain,
		Password:    *password,
		MyIP:        ip,
		TunIP:       tip,
		Netmask:     *netmask,
		MTU:         *mtu,
		ListenPort:  *listenPort,
		NSIP:        nsip,
		CheckIP:     *checkIP,
		Debug:       *debug,
		MaxIdleTime: *maxIdle,
		BindPort:    *bindPort,
	}, nil
}
