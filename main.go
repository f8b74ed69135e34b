// Command edmo-hub discovers EDMO devices over serial and UDP broadcast,
// fuses multi-transport connections to one logical device, and arbitrates
// concurrent oscillator control across users and plugins.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"edmo-hub/bus"
	"edmo-hub/connmgr"
	"edmo-hub/plugin"
	"edmo-hub/services/config"
	"edmo-hub/sessionmgr"
	"edmo-hub/transport/serial"
	"edmo-hub/transport/udpnet"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON configuration file overriding defaults")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	entry := logrus.NewEntry(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		entry.WithError(err).Fatal("edmo-hub: failed to load configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	b := bus.NewBus(8)
	serialConn := b.NewConnection("serial")
	udpConn := b.NewConnection("udp")
	connmgrConn := b.NewConnection("connmgr")
	sessionmgrConn := b.NewConnection("sessionmgr")

	serialMgr := serial.NewManager(serialConn, cfg.Serial.PollInterval, cfg.Serial.BaudRate, entry)
	udpMgr, err := udpnet.NewManager(cfg.UDP.BindPort, cfg.UDP.PollInterval, cfg.UDP.InactivityAfter, udpConn, entry)
	if err != nil {
		entry.WithError(err).Fatal("edmo-hub: failed to open UDP socket")
	}

	connMgr := connmgr.New(connmgrConn, serialMgr, udpMgr, entry)
	sessMgr := sessionmgr.New(sessionmgrConn, pluginFactory(cfg.Session.PluginFactory), cfg.Session.Oscillator, entry)

	go serialMgr.Run(ctx)
	go udpMgr.Run(ctx)
	go connMgr.Run(ctx)
	go sessMgr.Run(ctx)

	entry.WithFields(logrus.Fields{
		"udp_bind_port": cfg.UDP.BindPort,
		"baud_rate":     cfg.Serial.BaudRate,
	}).Info("edmo-hub: running")

	<-ctx.Done()
	entry.Info("edmo-hub: shutting down")

	for _, c := range []*bus.Connection{serialConn, udpConn, connmgrConn, sessionmgrConn} {
		c.Disconnect()
	}
}

// pluginFactory resolves a configured factory name to a plugin.Factory.
// Plugin loaders and plugin user-code are out of scope for this core (the
// host only defines the callback contract in package plugin); an empty or
// unrecognised name yields a session with no plugins installed.
func pluginFactory(name string) plugin.Factory {
	switch name {
	case "":
		return nil
	default:
		return nil
	}
}
