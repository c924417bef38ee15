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

// Package procpipeline implements the process pipeline of spec.md §4.G: it
// spawns and supervises child applications over a two-way pipe, framing
// their kernel traffic with the same §4.D protocol a remote socket uses,
// and reaps exited children on a dedicated wait thread. Grounded on
// `original_source/src/subordination/daemon/process_pipeline.cc` and, for
// the embedded base event loop, the teacher's process/process.go direct
// golang.org/x/sys/unix syscall style.
package procpipeline

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/subordination/application"
	"github.com/nestybox/subordination/domain"
	"github.com/nestybox/subordination/kernel"
	"github.com/nestybox/subordination/protocol"
	"github.com/nestybox/subordination/socket"
)

type job struct {
	app   *application.Application
	conn  *protocol.Conn
	pid   int
	facts Facts // advertised resource facts, parsed from app.Env's FACT_* entries
}

// Pipeline is the process pipeline of spec.md §4.G.
type Pipeline struct {
	*socket.Base

	mu         sync.Mutex
	jobs       map[uint64]*job
	exitStatus map[uint64]int
	exited     map[uint64]bool
	spawnCount int

	resolver  kernel.TypeResolver
	thisAppID uint64
	owner     domain.ConnectionOwner
	local     domain.PipelineIface
	listeners []domain.ProcessEventListener

	waitWG sync.WaitGroup
}

var (
	_ domain.ProcessPipelineIface = (*Pipeline)(nil)
	_ socket.Delegate             = (*Pipeline)(nil)
)

// New builds a process pipeline. thisAppID is the id forwarded kernels are
// checked against to decide native-vs-foreign on each job's connection
// (spec.md §4.D.1); resolver is the node's kernel type registry.
func New(resolver kernel.TypeResolver, thisAppID uint64, startTimeout time.Duration) (*Pipeline, error) {
	p := &Pipeline{
		jobs:       make(map[uint64]*job),
		exitStatus: make(map[uint64]int),
		exited:     make(map[uint64]bool),
		resolver:   resolver,
		thisAppID:  thisAppID,
	}
	base, err := socket.New(startTimeout, p)
	if err != nil {
		return nil, fmt.Errorf("procpipeline: %w", err)
	}
	p.Base = base
	return p, nil
}

// Setup wires the pipeline's owner (receives delivered/foreign/resubmitted
// kernels, normally the parallel pipeline or a routing façade), the local
// parallel pipeline (so a spawned application's workdir can be registered as
// a path-affinity root, spec.md SPEC_FULL §4.B) and any process-exit
// listeners (spec.md §4.G "registered listeners").
func (p *Pipeline) Setup(owner domain.ConnectionOwner, local domain.PipelineIface, listeners ...domain.ProcessEventListener) {
	p.owner = owner
	p.local = local
	p.listeners = listeners
}

// Start launches the base event loop and the dedicated wait thread.
func (p *Pipeline) Start() error {
	if err := p.Base.Start(); err != nil {
		return err
	}
	p.waitWG.Add(1)
	go p.waitLoop()
	return nil
}

// Spawn implements spec.md §4.G: creates a two-way pipe, forks+execs the
// application with APPLICATION_ID/PIPE_IN/PIPE_OUT/SLAVE in its
// environment, and registers a protocol connection wrapping the parent's
// ends of the pipe.
func (p *Pipeline) Spawn(app *application.Application) error {
	childIn, parentOut, err := os.Pipe() // parent writes parentOut -> child reads childIn (PIPE_IN)
	if err != nil {
		return fmt.Errorf("procpipeline: creating stdin pipe: %w", err)
	}
	parentIn, childOut, err := os.Pipe() // child writes childOut (PIPE_OUT) -> parent reads parentIn
	if err != nil {
		childIn.Close()
		parentOut.Close()
		return fmt.Errorf("procpipeline: creating stdout pipe: %w", err)
	}

	attr, err := sysProcAttr(app)
	if err != nil {
		childIn.Close()
		parentOut.Close()
		parentIn.Close()
		childOut.Close()
		return fmt.Errorf("procpipeline: %w", err)
	}

	if len(app.Args) == 0 {
		return fmt.Errorf("procpipeline: application %d has no arguments", app.ID)
	}

	role := "0"
	if app.Role == application.Slave {
		role = "1"
	}
	vars := map[string]string{"APPLICATION_ID": fmt.Sprintf("%d", app.ID)}
	env := append(ExpandEnv(app.Env, vars),
		fmt.Sprintf("APPLICATION_ID=%d", app.ID),
		"PIPE_IN=3",
		"PIPE_OUT=4",
		"SLAVE="+role,
	)

	cmd := &exec.Cmd{
		Path:        app.Args[0],
		Args:        app.Args,
		Env:         env,
		Dir:         app.Workdir,
		ExtraFiles:  []*os.File{childIn, childOut},
		SysProcAttr: attr,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
	}

	if err := cmd.Start(); err != nil {
		childIn.Close()
		childOut.Close()
		parentOut.Close()
		parentIn.Close()
		return fmt.Errorf("procpipeline: exec %s: %w", app.Args[0], err)
	}
	// The child has its own duplicated copies of these fds now; the
	// parent's copies would otherwise keep the pipe open forever.
	childIn.Close()
	childOut.Close()

	conn := protocol.New(newPipeConn(parentIn, parentOut, app.ID), p.resolver, p.thisAppID, p)

	p.mu.Lock()
	p.jobs[app.ID] = &job{app: app, conn: conn, pid: cmd.Process.Pid, facts: factsFromEnv(app.Env)}
	spawnIndex := p.spawnCount
	p.spawnCount++
	p.mu.Unlock()

	if err := p.AddConn(conn); err != nil {
		return fmt.Errorf("procpipeline: registering connection for app %d: %w", app.ID, err)
	}

	if p.local != nil && app.Workdir != "" {
		p.local.RegisterAffinityRoot(app.Workdir, spawnIndex)
	}

	logrus.WithFields(logrus.Fields{
		"app_id": app.ID, "pid": cmd.Process.Pid, "uid": app.Uid, "gid": app.Gid,
	}).Info("procpipeline: spawned application")
	return nil
}

// Terminated reports whether app has exited and its status once reaped.
func (p *Pipeline) Terminated(appID uint64) (status int, exited bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitStatus[appID], p.exited[appID]
}

// Route implements domain.RoutingPipelineIface: sends k to the job whose
// application id matches k's target, bouncing EndpointNotConnected if no
// such job is registered (spec.md §7 "Routing ... never raised").
func (p *Pipeline) Route(k *kernel.Kernel) error {
	targetID := k.TargetAppID
	if k.TargetApp != nil {
		targetID = k.TargetApp.ID
	}

	p.mu.Lock()
	j, ok := p.jobs[targetID]
	p.mu.Unlock()

	if !ok {
		k.Result = kernel.EndpointNotConnected
		k.Principal = k.Parent
		if p.owner != nil {
			p.owner.DeliverLocal(k)
		}
		return nil
	}
	return j.conn.Send(k)
}

// ProcessKernels implements socket.Delegate: spec.md §4.G's
// process_kernels broadcasts broadcast-phase kernels to every job whose
// advertised facts satisfy the kernel's resource filter (spec.md §9 "(NEW)",
// procpipeline/resources.go), and routes everything else by target
// application id.
func (p *Pipeline) ProcessKernels(inbound []*kernel.Kernel) {
	for _, k := range inbound {
		if k.Phase() == kernel.PhaseBroadcast {
			filter, err := ParseResourceFilter(k.ResourceFilter)
			if err != nil {
				logrus.WithError(err).Warn("procpipeline: malformed resource filter, broadcasting unfiltered")
				filter = &ResourceFilter{}
			}

			p.mu.Lock()
			jobs := make([]*job, 0, len(p.jobs))
			for _, j := range p.jobs {
				if filter.Matches(j.facts) {
					jobs = append(jobs, j)
				}
			}
			p.mu.Unlock()
			for _, j := range jobs {
				if err := j.conn.Send(k); err != nil {
					logrus.WithError(err).WithField("app_id", j.app.ID).Warn("procpipeline: broadcast send failed")
				}
			}
			continue
		}
		if err := p.Route(k); err != nil {
			logrus.WithError(err).Warn("procpipeline: routing inbound kernel failed")
		}
	}
}

// factsFromEnv extracts `FACT_key=value` entries from an application's
// environment as its advertised resource facts for filter matching.
func factsFromEnv(env []string) Facts {
	facts := make(Facts)
	const prefix = "FACT_"
	for _, kv := range env {
		if len(kv) <= len(prefix) || kv[:len(prefix)] != prefix {
			continue
		}
		rest := kv[len(prefix):]
		for i := 0; i < len(rest); i++ {
			if rest[i] == '=' {
				facts[rest[:i]] = rest[i+1:]
				break
			}
		}
	}
	return facts
}

// DeliverLocal, DeliverForeign and Resubmit implement domain.ConnectionOwner
// so a job's protocol.Conn can hand decoded/foreign/recovered kernels back
// up; the process pipeline simply forwards them to its own owner (normally
// the parallel pipeline via a routing façade in cmd/subordd).
func (p *Pipeline) DeliverLocal(k *kernel.Kernel) {
	if p.owner != nil {
		p.owner.DeliverLocal(k)
	}
}

func (p *Pipeline) DeliverForeign(f *kernel.ForeignKernel) error {
	if p.owner != nil {
		return p.owner.DeliverForeign(f)
	}
	return fmt.Errorf("procpipeline: no owner configured to forward foreign kernel")
}

func (p *Pipeline) Resubmit(k *kernel.Kernel) {
	if p.owner != nil {
		p.owner.Resubmit(k)
	}
}

func (p *Pipeline) ResolvePrincipal(id uint64) (*kernel.Kernel, bool) {
	if p.owner != nil {
		return p.owner.ResolvePrincipal(id)
	}
	return nil, false
}

// waitLoop is spec.md §4.G's dedicated wait thread: it reaps any exited
// child regardless of which job spawned it via wait4(-1, ...), looks the
// pid up among registered jobs, and delivers process_terminated.
func (p *Pipeline) waitLoop() {
	defer p.waitWG.Done()
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, 0, nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.ECHILD {
				// No child exists yet (or none is left): poll again so
				// applications spawned later are still reaped.
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return
		}

		p.mu.Lock()
		var appID uint64
		var found bool
		for id, j := range p.jobs {
			if j.pid == pid {
				appID, found = id, true
				break
			}
		}
		var listeners []domain.ProcessEventListener
		if found {
			p.exited[appID] = true
			p.exitStatus[appID] = ws.ExitStatus()
			delete(p.jobs, appID)
			listeners = append([]domain.ProcessEventListener(nil), p.listeners...)
		}
		p.mu.Unlock()

		if found {
			logrus.WithFields(logrus.Fields{"app_id": appID, "pid": pid, "status": ws.ExitStatus()}).
				Info("procpipeline: application exited")
			for _, l := range listeners {
				l.OnProcessTerminated(appID, ws.ExitStatus())
			}
		}
	}
}
