package raft

import "errors"

var (
	ErrNotLeader                = errors.New("raft: not leader")
	ErrMembershipChangeInFlight = errors.New("raft: membership change in flight")
	ErrMemberExists             = errors.New("raft: member is already active")
	ErrUnknownMember            = errors.New("raft: unknown member")
	ErrInvalidEndpoints         = errors.New("raft: invalid endpoints")
	ErrCannotRemoveLeader       = errors.New("raft: leader cannot remove itself")
	ErrTerminationInProgress    = errors.New("raft: termination in progress")
	ErrBackPressured            = errors.New("raft: ingress back pressured")
	ErrNodeStopped              = errors.New("raft: node stopped")
	ErrNodeStarted              = errors.New("raft: node already started")
	ErrInvalidConfig            = errors.New("raft: invalid config")
	ErrLogGap                   = errors.New("raft: gap in durable log")
	ErrSnapshotLoad             = errors.New("raft: failed to load snapshot")
)
