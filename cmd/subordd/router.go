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
	"net"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/subordination/domain"
	"github.com/nestybox/subordination/kernel"
)

// router is the one piece of wiring spec.md doesn't name directly: given a
// kernel, decide whether it belongs on this node's own parallel pipeline or
// needs to leave by way of the process or remote pipeline, and give every
// connection a single domain.ConnectionOwner to report back to. It plays
// the same role the teacher's main.go plays when it passes one service as
// another's constructor argument — here, the decision itself is a type
// instead of being buried inline in main().
type router struct {
	thisAppID uint64
	local     domain.PipelineIface
	proc      domain.RoutingPipelineIface
	remote    domain.RoutingPipelineIface
}

var _ domain.ConnectionOwner = (*router)(nil)

// Submit is the single entry point local code (the discoverer's probe loop,
// a just-spawned application's first kernel, recovered survivors) uses to
// get a kernel moving, deciding locally-scheduled vs. routed-away exactly as
// spec.md §7 "Routing" describes: native kernels go to the local pipeline,
// everything else is hinted to proc first (it knows about local spawns)
// and falls through to remote.
func (r *router) Submit(k *kernel.Kernel) {
	if k.Native(r.thisAppID) {
		r.local.Submit(k)
		return
	}
	r.route(k)
}

func (r *router) route(k *kernel.Kernel) {
	if r.proc != nil {
		if err := r.proc.Route(k); err == nil {
			return
		}
	}
	if r.remote != nil {
		if err := r.remote.Route(k); err != nil {
			logrus.WithError(err).Warn("subordd: routing kernel failed on every pipeline")
		}
		return
	}
	logrus.Warn("subordd: no routing pipeline configured, dropping kernel")
}

// DeliverLocal implements domain.ConnectionOwner: a connection decoded a
// kernel native to this node and hands it to the local pipeline's dispatch
// rule (spec.md §4.D "native kernels go to the parallel pipeline").
func (r *router) DeliverLocal(k *kernel.Kernel) {
	r.local.Submit(k)
}

// DeliverForeign implements domain.ConnectionOwner: a connection decoded a
// kernel whose target application id is not this node's. The frame is
// logged and dropped; it is not forwarded to any other connection.
func (r *router) DeliverForeign(f *kernel.ForeignKernel) error {
	logrus.WithField("target_app_id", f.TargetAppID).Warn("subordd: dropping undeliverable foreign kernel")
	return nil
}

// Resubmit implements domain.ConnectionOwner: a connection's recovery
// procedure (spec.md §4.D) is replaying a kernel that was never
// acknowledged before a peer disconnected.
func (r *router) Resubmit(k *kernel.Kernel) {
	r.Submit(k)
}

// ResolvePrincipal implements domain.ConnectionOwner: the local pipeline is
// this node's instance registry (spec.md §9 "arena + ids").
func (r *router) ResolvePrincipal(id uint64) (*kernel.Kernel, bool) {
	return r.local.ResolvePrincipal(id)
}

// processExitLogger implements domain.ProcessEventListener: log exit.
type processExitLogger struct{}

var _ domain.ProcessEventListener = (*processExitLogger)(nil)

func (l *processExitLogger) OnProcessTerminated(appID uint64, exitStatus int) {
	logrus.WithFields(logrus.Fields{"app_id": appID, "exit_status": exitStatus}).Info("subordd: application terminated")
}

// peerLostNotifiee is the narrow slice of discoverer.Discoverer's API the
// hierarchy event logger needs, kept as an interface so this package does
// not have to import discoverer just to log table changes.
type peerLostNotifiee interface {
	OnPeerLost(addr net.Addr)
}

// hierarchyEventLogger implements domain.PipelineEventListener: the remote
// pipeline's client/server table changes are mirrored into the log and,
// for removals, into every interface's discoverer, so discovery resumes
// probing as soon as a peer drops (spec.md §4.F "emits ... to registered
// listeners").
type hierarchyEventLogger struct {
	discoverers []peerLostNotifiee
}

var _ domain.PipelineEventListener = (*hierarchyEventLogger)(nil)

func (l *hierarchyEventLogger) OnClientAdded(addr net.Addr) {
	logrus.WithField("addr", addr).Info("subordd: remote client added")
}

func (l *hierarchyEventLogger) OnClientRemoved(addr net.Addr) {
	logrus.WithField("addr", addr).Info("subordd: remote client removed")
	for _, d := range l.discoverers {
		d.OnPeerLost(addr)
	}
}

func (l *hierarchyEventLogger) OnServerAdded(addr net.Addr) {
	logrus.WithField("addr", addr).Info("subordd: remote server added")
}

func (l *hierarchyEventLogger) OnServerRemoved(addr net.Addr) {
	logrus.WithField("addr", addr).Info("subordd: remote server removed")
}
