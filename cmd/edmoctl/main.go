// Command edmoctl is a manual debug REPL against an in-process session
// manager: connect to a device, push parameter changes onto a slot, list
// available sessions, and leave. It is a debug convenience, not the
// HTTP/UI frontend — grounded on the teacher's cmd/boardtest and
// cmd/uart-test manual-test harnesses, which drive a running system from
// a simple line-oriented loop rather than a test framework.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/google/shlex"
	"github.com/sirupsen/logrus"

	"edmo-hub/bus"
	"edmo-hub/connmgr"
	"edmo-hub/services/config"
	"edmo-hub/session"
	"edmo-hub/sessionmgr"
	"edmo-hub/transport/serial"
	"edmo-hub/transport/udpnet"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON configuration file overriding defaults")
	flag.Parse()

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	entry := logrus.NewEntry(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "edmoctl: config:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.NewBus(8)
	serialMgr := serial.NewManager(b.NewConnection("serial"), cfg.Serial.PollInterval, cfg.Serial.BaudRate, entry)
	udpMgr, err := udpnet.NewManager(cfg.UDP.BindPort, cfg.UDP.PollInterval, cfg.UDP.InactivityAfter, b.NewConnection("udp"), entry)
	if err != nil {
		fmt.Fprintln(os.Stderr, "edmoctl: udp:", err)
		os.Exit(1)
	}
	connMgr := connmgr.New(b.NewConnection("connmgr"), serialMgr, udpMgr, entry)
	sessMgr := sessionmgr.New(b.NewConnection("sessionmgr"), nil, cfg.Session.Oscillator, entry)

	go serialMgr.Run(ctx)
	go udpMgr.Run(ctx)
	go connMgr.Run(ctx)
	go sessMgr.Run(ctx)

	r := &repl{sessMgr: sessMgr, controllers: make(map[string]*session.Controller)}
	r.run(os.Stdin, os.Stdout)
}

type repl struct {
	sessMgr     *sessionmgr.Manager
	controllers map[string]*session.Controller // identifier -> this operator's controller
}

func (r *repl) run(in *os.File, out *os.File) {
	fmt.Fprintln(out, "edmoctl — connect <id> <user>, set <id> <param> <value>, list, leave <id>, quit")
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return
		}
		args, err := shlex.Split(scanner.Text())
		if err != nil || len(args) == 0 {
			continue
		}
		r.dispatch(args, out)
	}
}

func (r *repl) dispatch(args []string, out *os.File) {
	switch args[0] {
	case "connect":
		if len(args) != 3 {
			fmt.Fprintln(out, "usage: connect <id> <user>")
			return
		}
		ctrl, err := r.sessMgr.AttemptConnectionTo(args[1], args[2])
		if err != nil {
			fmt.Fprintln(out, "connect failed:", err)
			return
		}
		r.controllers[args[1]] = ctrl
		fmt.Fprintf(out, "connected: slot=%d\n", ctrl.Slot)

	case "set":
		if len(args) != 4 {
			fmt.Fprintln(out, "usage: set <id> <frequency|amplitude|offset|phase_shift> <value>")
			return
		}
		ctrl, ok := r.controllers[args[1]]
		if !ok {
			fmt.Fprintln(out, "not connected to", args[1])
			return
		}
		value, err := strconv.ParseFloat(args[3], 32)
		if err != nil {
			fmt.Fprintln(out, "bad value:", err)
			return
		}
		v := float32(value)
		switch args[2] {
		case "frequency":
			ctrl.SetFrequency(v)
		case "amplitude":
			ctrl.SetAmplitude(v)
		case "offset":
			ctrl.SetOffset(v)
		case "phase_shift":
			ctrl.SetPhaseShift(v)
		default:
			fmt.Fprintln(out, "unknown parameter:", args[2])
		}

	case "list":
		for _, id := range r.sessMgr.AvailableSessions() {
			fmt.Fprintln(out, id)
		}

	case "leave":
		if len(args) != 2 {
			fmt.Fprintln(out, "usage: leave <id>")
			return
		}
		ctrl, ok := r.controllers[args[1]]
		if !ok {
			fmt.Fprintln(out, "not connected to", args[1])
			return
		}
		ctrl.Leave()
		delete(r.controllers, args[1])

	case "quit", "exit":
		os.Exit(0)

	default:
		fmt.Fprintln(out, "unknown command:", args[0])
	}
}
