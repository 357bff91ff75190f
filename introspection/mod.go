// Package introspection implements the daemon's own well-known remote
// object (spec.md §3, §6 "Pyro.Daemon"): the handful of methods a client
// uses to discover what else is registered and to fetch one object's
// exposed-member metadata ahead of building a proxy for it.
//
// This package intentionally never imports package daemon: the Stream
// Registry methods a client would expect here (GetNextStreamItem,
// CloseStream) are instead special-cased directly in the dispatcher
// (daemon.Dispatch) before generic reflection ever runs, so that daemon
// can own the import edge instead of a cycle forming between the two
// packages. Object still declares them, purely as advertised metadata,
// so a client asking for Pyro.Daemon's own exposed members sees the
// complete picture.
//
// Documentation Last Review: 2026-07-31
package introspection

import (
	"github.com/c4dt-edu/pyrod"
	"github.com/c4dt-edu/pyrod/expose"
	"github.com/c4dt-edu/pyrod/registry"
	"github.com/c4dt-edu/pyrod/stream"
)

// Object is the registered instance backing Pyro.Daemon.
type Object struct {
	objects   *registry.Registry
	reflector *expose.Reflector
	streams   *stream.Registry
	daemonID  string
}

// New returns an Object ready to be registered under daemon.IntrospectionID.
func New(objects *registry.Registry, reflector *expose.Reflector, streams *stream.Registry, daemonID string) *Object {
	return &Object{objects: objects, reflector: reflector, streams: streams, daemonID: daemonID}
}

// PyroSpec declares Object's exposed surface (expose.Described).
func (o *Object) PyroSpec() expose.ClassSpec {
	return expose.ClassSpec{
		Methods: []expose.MethodSpec{
			{Name: "Registered", Tag: expose.TagExposed},
			{Name: "Ping", Tag: expose.TagExposed},
			{Name: "Info", Tag: expose.TagExposed},
			{Name: "GetMetadata", Tag: expose.TagExposed},
			{Name: "GetNextStreamItem", Tag: expose.TagExposed},
			{Name: "CloseStream", Tag: expose.TagExposed | expose.TagOneway},
		},
		Behavior: expose.Behavior{Mode: expose.ModeSingle},
	}
}

// Registered lists every currently registered object-id (spec.md §4.4).
func (o *Object) Registered() []string {
	return o.objects.Registered()
}

// Ping is the trivial liveness check every Pyro5 daemon answers.
func (o *Object) Ping() string {
	return "pong"
}

// Info reports a short, human-readable daemon summary.
func (o *Object) Info() string {
	return "pyrod daemon " + o.daemonID
}

// GetMetadata reflects objectID's exposed members the same way the
// handshake's "meta" reply does, for a client that wants it again later
// without reconnecting (spec.md §4.3, §9 "get_metadata as re-handshake").
func (o *Object) GetMetadata(objectID string) (map[string]interface{}, error) {
	entry, ok := o.objects.Lookup(objectID)
	if !ok {
		return nil, pyrod.NewDaemonError("unknown object %q", objectID)
	}

	instance, err := entry.ResolveInstance(nil)
	if err != nil {
		return nil, err
	}

	members, err := o.reflector.Reflect(instance, true, true)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"methods": members.MethodList(),
		"oneway":  members.OnewayList(),
		"attrs":   members.AttrList(),
	}, nil
}

// GetNextStreamItem is declared for metadata completeness only; live
// calls never reach this method (see package doc comment).
func (o *Object) GetNextStreamItem(streamID string) (interface{}, error) {
	return o.streams.Next(streamID, nil)
}

// CloseStream is declared for metadata completeness only; live calls
// never reach this method (see package doc comment).
func (o *Object) CloseStream(streamID string) {
	o.streams.Close(streamID)
}
