package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	iconfig "iodined/internal/config"
	"iodined/internal/eventloop"
	"iodined/internal/forwarder"
	"iodined/internal/rawudp"
	"iodined/internal/session"
	"iodined/internal/tun"
	"iodined/internal/users"
)

// protocolVersion is compared byte-exact during the V handshake (spec.md
// §6 "Protocol version").
const protocolVersion = 0x00000502

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := iconfig.Parse(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.Debug > 0 {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	table := users.NewTable(users.DefaultCapacity)

	dns4, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", cfg.ListenPort))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to bind DNS socket")
	}
	defer dns4.Close()

	var fwd *forwarder.Forwarder
	if cfg.BindPort != 0 {
		sideSock, err := net.ListenPacket("udp4", ":0")
		if err != nil {
			log.Fatal().Err(err).Msg("failed to bind forwarder side socket")
		}
		defer sideSock.Close()
		resolver := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: cfg.BindPort}
		fwd = forwarder.New(sideSock, resolver)
		fwd.Log = log.Logger
		log.Info().Int("bind_port", cfg.BindPort).Msg("forwarder enabled")
	}

	tunDev, err := tun.Open(tun.Config{
		Name:    "dns0",
		MyIP:    cfg.MyIP.String(),
		Netmask: cfg.Netmask,
		MTU:     cfg.MTU,
	})
	if err != nil {
		log.Warn().Err(err).Msg("tun device unavailable; running without one")
		tunDev = nil
	} else {
		defer tunDev.Close()
		log.Info().Str("device", tunDev.Name()).Msg("tun device attached")
	}

	ctx := &session.Context{
		Table:          table,
		TopDomain:      cfg.TopDomain,
		Password:       []byte(cfg.Password),
		ServerVersion:  protocolVersion,
		MyIP:           cfg.MyIP,
		ExternalIP:     cfg.MyIP,
		TunNetmaskBits: netmaskBits(cfg.Netmask),
		MTU:            cfg.MTU,
		CheckIP:        cfg.CheckIP,
		Tun:            tunDev,
		Log:            log.Logger,
	}

	rawHandler := &rawudp.Handler{
		Table:    table,
		Password: []byte(cfg.Password),
		Tun:      tunDev,
	}

	loop := &eventloop.Loop{
		Ctx:         ctx,
		Table:       table,
		DNS4:        dns4,
		Tun:         tunDev,
		Forwarder:   fwd,
		RawUDP:      rawHandler,
		MaxIdleTime: cfg.MaxIdleTime,
		Log:         log.Logger,
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info().Str("topdomain", cfg.TopDomain).Int("port", cfg.ListenPort).Msg("iodined starting")
	if err := loop.Run(runCtx); err != nil && runCtx.Err() == nil {
		log.Fatal().Err(err).Msg("event loop exited with error")
	}
	log.Info().Msg("iodined shutting down")
}

func netmaskBits(s string) int {
	var bits int
	fmt.Sscanf(s, "%d", &bits)
	if bits <= 0 || bits > 32 {
		return 27
	}
	return bits
}
