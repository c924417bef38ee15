//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"runtime"
	"strconv"
	"time"

	systemd "github.com/coreos/go-systemd/daemon"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	service "gopkg.in/hlandau/service.v1"

	"github.com/nestybox/subordination/application"
	"github.com/nestybox/subordination/discoverer"
	"github.com/nestybox/subordination/pipeline"
	"github.com/nestybox/subordination/procpipeline"
	"github.com/nestybox/subordination/registry"
	"github.com/nestybox/subordination/remote"
	"github.com/nestybox/subordination/sysio"
	"github.com/nestybox/subordination/txlog"
)

const usage = `subordd kernel-scheduling daemon

subordd runs the parallel and socket pipelines of a single node in a
subordination cluster: it schedules local kernels, spawns and supervises
application processes, and discovers a tree-shaped overlay of peer subordd
instances over the network.
`

// runDir mirrors the teacher's sysboxRunDir; the PID file that went with it
// (sysboxFsPidFile) has no constant here and is handled by
// gopkg.in/hlandau/service.v1 instead of the teacher's
// private libutils pid-file helpers (spec.md SPEC_FULL §6 "the one teacher
// dependency that was present in go.mod but unwired in the teacher's own
// source").
const runDir = "/run/subordd"

func setupRunDir() error {
	if err := os.MkdirAll(runDir, 0700); err != nil {
		return fmt.Errorf("failed to create %s: %w", runDir, err)
	}
	return nil
}

// daemon is the service.Runnable gopkg.in/hlandau/service.v1 drives: its
// Start/Stop methods replace the teacher's manual signal.Notify loop with
// the library's own signal-driven graceful stop and PID-file management.
type daemon struct {
	ctx *cli.Context

	thisAppID uint64

	reg      *registry.Registry
	local    *pipeline.Pipeline
	remoteP  *remote.Pipeline
	procP    *procpipeline.Pipeline
	txLog    *txlog.Log
	routerV  *router
	discover []*discoverer.Discoverer
	dispatch *discoverer.Dispatcher
	hevents  *hierarchyEventLogger

	prof interface{ Stop() }
}

func runProfiler(ctx *cli.Context) (interface{ Stop() }, error) {
	cpuOn := ctx.GlobalBool("cpu-profiling")
	memOn := ctx.GlobalBool("memory-profiling")
	if cpuOn && memOn {
		return nil, fmt.Errorf("unsupported parameter combination: cpu and memory profiling")
	}
	if !cpuOn && !memOn {
		return nil, nil
	}
	if cpuOn {
		return profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook), nil
	}
	return profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook), nil
}

// Start implements the service.Runnable half of gopkg.in/hlandau/service.v1:
// it constructs and launches every pipeline, the way the teacher's
// app.Action builds and calls Setup on each of its services before
// launching the ipc event loop.
func (d *daemon) Start() error {
	ctx := d.ctx

	if err := setupRunDir(); err != nil {
		return err
	}

	thisAppID, slave, err := application.FromEnv(os.Environ())
	if err != nil {
		thisAppID = ctx.GlobalUint64("app-id")
		if thisAppID == 0 {
			id, genErr := randomAppID()
			if genErr != nil {
				return genErr
			}
			thisAppID = id
		}
	}
	d.thisAppID = thisAppID
	logrus.WithFields(logrus.Fields{"app_id": thisAppID, "slave": slave}).Info("subordd: starting")

	d.reg = registry.New()
	d.dispatch = discoverer.NewDispatcher()
	if err := discoverer.RegisterProbeType(d.reg, d.dispatch); err != nil {
		return fmt.Errorf("subordd: registering probe kernel type: %w", err)
	}
	if err := discoverer.RegisterWeightType(d.reg, d.dispatch); err != nil {
		return fmt.Errorf("subordd: registering weight kernel type: %w", err)
	}

	startTimeout := ctx.GlobalDuration("start-timeout")
	if startTimeout == 0 {
		startTimeout = 5 * time.Second
	}

	nUp := ctx.GlobalInt("upstream-workers")
	nDown := ctx.GlobalInt("downstream-workers")
	d.local = pipeline.New(nUp, nDown)

	remoteP, err := remote.New(d.reg, thisAppID, startTimeout)
	if err != nil {
		return fmt.Errorf("subordd: constructing remote pipeline: %w", err)
	}
	d.remoteP = remoteP

	procP, err := procpipeline.New(d.reg, thisAppID, startTimeout)
	if err != nil {
		return fmt.Errorf("subordd: constructing process pipeline: %w", err)
	}
	d.procP = procP

	d.routerV = &router{thisAppID: thisAppID, local: d.local, proc: procP, remote: remoteP}
	d.hevents = &hierarchyEventLogger{}

	remoteP.Setup(d.routerV, d.hevents)
	procP.Setup(d.routerV, d.local, &processExitLogger{})

	d.local.Setup(remoteP, func(exitCode int) {
		logrus.WithField("exit_code", exitCode).Info("subordd: shutdown kernel received")
		go d.Stop()
	})

	txLogPath := ctx.GlobalString("txlog-path")
	if txLogPath == "" {
		txLogPath = runDir + "/subordd.txlog"
	}
	ioSvc := sysio.NewOsFileService()
	txLog, survivors, err := txlog.Open(ioSvc, txLogPath, d.reg, thisAppID)
	if err != nil {
		return fmt.Errorf("subordd: opening transaction log: %w", err)
	}
	d.txLog = txLog

	d.local.Start()
	if err := d.remoteP.Start(); err != nil {
		return fmt.Errorf("subordd: starting remote pipeline: %w", err)
	}
	if err := d.procP.Start(); err != nil {
		return fmt.Errorf("subordd: starting process pipeline: %w", err)
	}

	for _, s := range survivors {
		logrus.WithField("kernel_id", s.Kernel.ID).Info("subordd: resubmitting transaction log survivor")
		d.routerV.Resubmit(s.Kernel)
	}

	if listenAddr := ctx.GlobalString("listen"); listenAddr != "" {
		addr, err := net.ResolveTCPAddr("tcp", listenAddr)
		if err != nil {
			return fmt.Errorf("subordd: invalid --listen %q: %w", listenAddr, err)
		}
		if err := d.remoteP.AddServer(addr); err != nil {
			return fmt.Errorf("subordd: listening on %s: %w", listenAddr, err)
		}
	}

	if err := d.startDiscoverers(ctx, addrPort(ctx)); err != nil {
		return err
	}

	prof, err := runProfiler(ctx)
	if err != nil {
		return err
	}
	d.prof = prof

	systemd.SdNotify(false, systemd.SdNotifyReady)
	logrus.Info("subordd: ready")
	return nil
}

func addrPort(ctx *cli.Context) int {
	listenAddr := ctx.GlobalString("listen")
	if listenAddr == "" {
		return 0
	}
	_, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

// startDiscoverers builds one discoverer.Discoverer per --iface CIDR flag,
// wiring it to the remote pipeline's client table (spec.md §4.H/§4.F).
func (d *daemon) startDiscoverers(ctx *cli.Context, port int) error {
	ifaceFlags := ctx.GlobalStringSlice("iface")
	fanout := uint32(ctx.GlobalInt("fanout"))
	if fanout == 0 {
		fanout = 4
	}
	interval := ctx.GlobalDuration("probe-interval")
	if interval == 0 {
		interval = 5 * time.Second
	}
	cacheDir := ctx.GlobalString("cache-dir")
	var cacheIO = sysio.NewOsFileService()

	for _, spec := range ifaceFlags {
		ip, ipnet, err := net.ParseCIDR(spec)
		if err != nil {
			return fmt.Errorf("subordd: invalid --iface %q: %w", spec, err)
		}
		self := &net.TCPAddr{IP: ip, Port: port}
		disc := discoverer.New(self, port, self, ipnet, fanout, interval, d.remoteP, cacheIO, cacheDir)
		if err := disc.Start(); err != nil {
			return fmt.Errorf("subordd: starting discoverer for %s: %w", spec, err)
		}
		d.discover = append(d.discover, disc)
		d.dispatch.Add(disc)
		d.hevents.discoverers = append(d.hevents.discoverers, disc)
	}
	return nil
}

// Stop implements service.Runnable: orderly shutdown of every pipeline, in
// the teacher's own "stop, then wait, then release resources" order
// (cmd/sysbox-fs/main.go's exitHandler).
func (d *daemon) Stop() error {
	logrus.Info("subordd: stopping")
	systemd.SdNotify(false, systemd.SdNotifyStopping)

	for _, disc := range d.discover {
		disc.Stop()
	}
	for _, disc := range d.discover {
		disc.Wait()
	}

	if d.procP != nil {
		d.procP.Stop()
		d.procP.Wait()
	}
	if d.remoteP != nil {
		d.remoteP.Stop()
		d.remoteP.Wait()
	}
	if d.local != nil {
		d.local.Stop()
		d.local.Wait()
	}
	if d.txLog != nil {
		d.txLog.Close()
	}
	if d.prof != nil {
		d.prof.Stop()
	}
	logrus.Info("subordd: stopped")
	return nil
}

func randomAppID() (uint64, error) {
	app, err := application.New(nil, nil, "", 0, 0, false)
	if err != nil {
		return 0, err
	}
	return app.ID, nil
}

func setupLogging(ctx *cli.Context) error {
	if path := ctx.GlobalString("log"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0666)
		if err != nil {
			return fmt.Errorf("opening log file %s: %w", path, err)
		}
		logrus.SetOutput(f)
		log.SetOutput(f)
	} else {
		logrus.SetOutput(os.Stderr)
		log.SetOutput(os.Stderr)
	}

	if ctx.GlobalString("log-format") == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: "2006-01-02 15:04:05", FullTimestamp: true})
	}

	switch ctx.GlobalString("log-level") {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "", "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "fatal":
		logrus.SetLevel(logrus.FatalLevel)
	default:
		return fmt.Errorf("log-level %q not recognized", ctx.GlobalString("log-level"))
	}
	return nil
}

func main() {
	// A process spawned by procpipeline.Spawn re-execs this same binary with
	// SLAVE=1 in its environment (spec.md §4.G, mirroring the teacher's
	// nsenter re-exec subcommand in cmd/sysbox-fs/main.go). The slave half of
	// the contract — reading PIPE_IN/PIPE_OUT and driving the application's
	// own kernel loop — belongs to the application library linked into that
	// binary, not to subordd itself; here we only recognize and log it.
	if _, slave, err := application.FromEnv(os.Environ()); err == nil && slave {
		logrus.Info("subordd: running in slave mode, deferring to application-linked kernel loop")
	}

	app := cli.NewApp()
	app.Name = "subordd"
	app.Usage = usage

	app.Flags = []cli.Flag{
		cli.Uint64Flag{Name: "app-id", Usage: "this node's application id (default: random)"},
		cli.StringFlag{Name: "listen", Usage: "address to accept subordinate connections on, e.g. 0.0.0.0:9555"},
		cli.StringSliceFlag{Name: "iface", Usage: "interface CIDR to run hierarchy discovery on (repeatable), e.g. 10.0.0.0/24"},
		cli.IntFlag{Name: "fanout", Value: 4, Usage: "maximum subordinates per node in the discovery tree"},
		cli.DurationFlag{Name: "probe-interval", Value: 5 * time.Second, Usage: "interval between discovery probes while without a principal"},
		cli.StringFlag{Name: "cache-dir", Usage: "directory to persist hierarchy cache files in (default: disabled)"},
		cli.StringFlag{Name: "txlog-path", Usage: "transaction log path (default: " + runDir + "/subordd.txlog)"},
		cli.DurationFlag{Name: "start-timeout", Value: 5 * time.Second, Usage: "time a connection may remain unestablished before eviction"},
		cli.IntFlag{Name: "upstream-workers", Value: 4, Usage: "upstream worker goroutine count"},
		cli.IntFlag{Name: "downstream-workers", Value: 0, Usage: "dedicated downstream worker count (0: upstream workers drain their own)"},
		cli.StringFlag{Name: "log", Usage: "log file path or empty string for stderr output"},
		cli.StringFlag{Name: "log-level", Value: "info", Usage: "log categories to include (debug, info, warning, error, fatal)"},
		cli.StringFlag{Name: "log-format", Value: "text", Usage: "log format; must be json or text"},
		cli.BoolFlag{Name: "cpu-profiling", Hidden: true, Usage: "enable cpu-profiling data collection"},
		cli.BoolFlag{Name: "memory-profiling", Hidden: true, Usage: "enable memory-profiling data collection"},
	}

	app.Before = setupLogging

	app.Action = func(ctx *cli.Context) error {
		defer dumpStackOnSignal()
		d := &daemon{ctx: ctx}

		// service.Main blocks, owning signal handling, PID-file management
		// and the Start/Stop lifecycle (spec.md SPEC_FULL §6 "wraps the
		// daemon's Init/Start/Stop"). A caught fatal signal still gets the
		// teacher's own stack-trace dump before Stop runs.
		service.Main(&service.Info{
			Name:        "subordd",
			Description: "subordination kernel-scheduling daemon",
			NewFunc: func() (service.Runnable, error) {
				return d, nil
			},
		})
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

// dumpStackOnSignal is invoked from a recover() in the unlikely event a
// startup panic needs the same stack-trace-to-log behavior the teacher's
// exitHandler provides for SIGABRT/SIGINT/SIGQUIT/SIGSEGV, now delegated to
// gopkg.in/hlandau/service.v1's own signal handling for the steady-state
// signals themselves.
func dumpStackOnSignal() {
	if r := recover(); r != nil {
		buf := make([]byte, 32768)
		n := runtime.Stack(buf, true)
		logrus.Errorf("subordd: panic: %v\n%s", r, buf[:n])
		panic(r)
	}
}
