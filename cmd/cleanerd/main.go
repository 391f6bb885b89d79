// Command cleanerd is the cleaner daemon: it opens a mounted file system,
// loads a reloadable policy file, and drives pkg/cleaner's main loop while
// serving a control-plane socket for cleanerctl (§4.6, §4.7).
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nilfs2/cleanerd/pkg/cleaner"
	"github.com/nilfs2/cleanerd/pkg/config"
	"github.com/nilfs2/cleanerd/pkg/controlplane"
	"github.com/nilfs2/cleanerd/pkg/device"
)

// progName is prefixed to every diagnostic, derived from argv[0] (§6 "CLI
// exit codes": "all CLIs derive a short name from argv[0]").
var progName = filepath.Base(os.Args[0])

func main() {
	devicePath := flag.String("device", "", "block device or image path")
	confPath := flag.String("conf", "/etc/cleanerd.conf", "policy file path")
	socketPath := flag.String("socket", "", "control-plane socket path (defaults to the dev+ino derived name under -rundir)")
	runDir := flag.String("rundir", "/var/run", "directory the default control-plane socket is created in")
	foreground := flag.Bool("f", false, "log to stderr (also where the logger writes by default)")
	flag.Parse()

	if *devicePath == "" {
		fmt.Fprintf(os.Stderr, "%s: -device is required\n", progName)
		os.Exit(1)
	}

	log := logrus.New()
	if *foreground {
		log.SetOutput(os.Stderr)
	}

	if *socketPath == "" {
		var st unix.Stat_t
		if err := unix.Stat(*devicePath, &st); err != nil {
			fmt.Fprintf(os.Stderr, "%s: stat %s: %v\n", progName, *devicePath, err)
			os.Exit(1)
		}
		name := controlplane.SocketNameByInode("cleanerd", uint64(st.Dev), st.Ino)
		*socketPath = filepath.Join(*runDir, name)
	}

	policy, err := config.Load(*confPath, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: loading %s: %v\n", progName, *confPath, err)
		os.Exit(1)
	}

	slogLogger := slog.Default()
	h, err := device.Open(*devicePath, slogLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: opening %s: %v\n", progName, *devicePath, err)
		os.Exit(1)
	}
	defer h.Close()

	var reloadRequested, stopRequested atomic.Bool
	sig := make(chan os.Signal, 4)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for s := range sig {
			switch s {
			case syscall.SIGHUP:
				reloadRequested.Store(true)
			case syscall.SIGINT, syscall.SIGTERM:
				stopRequested.Store(true)
			}
		}
	}()
	// consumeReload reports a pending SIGHUP exactly once, so cleaner.Daemon
	// does not re-reload the config file on every subsequent loop iteration.
	consumeReload := func() bool { return reloadRequested.CompareAndSwap(true, false) }

	d := cleaner.New(h, policy, slogLogger, consumeReload, stopRequested.Load)
	run := &daemonRunner{
		d:               d,
		confPath:        *confPath,
		log:             log,
		reloadRequested: &reloadRequested,
		stopRequested:   &stopRequested,
		jobs:            make(map[uint32]controlplane.Response),
	}

	srv, err := controlplane.NewServer(*socketPath, run, slogLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: control-plane socket: %v\n", progName, err)
		os.Exit(1)
	}
	go func() {
		if err := srv.Serve(); err != nil {
			log.WithError(err).Warn("control-plane server stopped")
		}
	}()
	defer srv.Close()

	for {
		if run.suspended.Load() {
			if stopRequested.Load() {
				return
			}
			time.Sleep(time.Second)
			continue
		}
		more, err := d.Step(func() (config.Policy, error) { return config.Load(*confPath, log) })
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", progName, err)
			os.Exit(1)
		}
		if !more {
			return
		}
	}
}
