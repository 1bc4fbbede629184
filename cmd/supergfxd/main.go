// Command supergfxd is the graphics-mode switching daemon: it probes
// hardware, loads the persisted configuration, runs the mode
// controller, and exposes it over D-Bus as io.supergfxd.Daemon.
//
// Grounded on cmd/snapd/main.go's flags-then-run shape and
// usersession/agent/session_agent.go's SdNotify(READY=1) placement
// after the bus name is acquired, not before.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/jessevdk/go-flags"

	"github.com/canonical/supergfxd/internal/busapi"
	"github.com/canonical/supergfxd/internal/controller"
	"github.com/canonical/supergfxd/internal/exec"
	"github.com/canonical/supergfxd/internal/gfxconf"
	"github.com/canonical/supergfxd/internal/gfxtypes"
	"github.com/canonical/supergfxd/internal/hwprobe"
	"github.com/canonical/supergfxd/internal/session"
	"github.com/canonical/supergfxd/logger"
)

type options struct {
	Debug      bool   `long:"debug" description:"enable debug logging"`
	Config     string `long:"config" description:"path to supergfxd.conf" default:"/etc/supergfxd.conf"`
	Pending    string `long:"pending-file" description:"path to the pending-transition record" default:"/var/lib/supergfxd/pending.json"`
	NoLogind   bool   `long:"no-logind" description:"disable logind session coordination"`
	ProcCmdline string `long:"proc-cmdline" description:"override /proc/cmdline for testing" default:"/proc/cmdline"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if err := logger.SimpleSetup(opts.Debug); err != nil {
		fmt.Fprintf(os.Stderr, "supergfxd: cannot set up logging: %v\n", err)
		os.Exit(1)
	}

	if err := run(opts); err != nil {
		logger.Noticef("supergfxd: %v", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	confStore := &gfxconf.ConfigFile{Path: opts.Config}
	cfg, err := confStore.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if opts.NoLogind {
		cfg.NoLogind = true
	}

	prober := hwprobe.New()
	profile, initial, err := prober.Probe(cfg)
	if err != nil {
		logger.Noticef("supergfxd: hardware probe: %v", err)
	}

	sess := session.NewLogind(cfg.NoLogind)
	pending := &gfxconf.PendingFile{Path: opts.Pending}
	runner := exec.NewSysRunner()

	ex := exec.New(runner, sess, func(target gfxtypes.Mode, action gfxtypes.RequiredUserAction) error {
		return pending.Save(&gfxtypes.PendingState{TargetMode: target, RequiredAction: action, SourceMode: initial})
	})

	ctrl := controller.New(prober, ex, sess, confStore, pending, nil, cfg, profile, initial)

	bus := busapi.New(ctrl)
	if err := bus.Init(); err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	ctrl.Notify = bus.Notifier()
	bus.Start()
	defer bus.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	ctrl.ResumeFromBoot(ctx, opts.ProcCmdline)

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Debugf("supergfxd: sd_notify failed: %v", err)
	} else if sent {
		logger.Debugf("supergfxd: notified systemd readiness")
	}

	ctrl.Run(ctx)

	daemon.SdNotify(false, daemon.SdNotifyStopping)
	return nil
}
