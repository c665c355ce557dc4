package engine

import "github.com/google/uuid"

// NewSessionID returns an opaque 128-bit session identifier (spec §3).
func NewSessionID() string { return uuid.NewString() }

// NewCallID returns an opaque identifier for one tool call.
func NewCallID() string { return uuid.NewString() }

// NewAgentID returns an opaque identifier for one sub-agent.
func NewAgentID() string { return uuid.NewString() }

// NewItemID returns an opaque identifier for one history item.
func NewItemID() string { return uuid.NewString() }
