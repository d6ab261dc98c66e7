// Package agent is the seam between the orchestrator core and the compute
// agents. The core only ever talks to the Client interface; the concrete
// transport lives behind it.
package agent

import (
	"github.com/google/uuid"

	"github.com/sokovanproject/sokovan/internal/common/resource"
	"github.com/sokovanproject/sokovan/internal/common/sokovancontext"
)

// KernelCreationSpec tells an agent to start one kernel of a session with the
// slots the scheduler allocated to it.
type KernelCreationSpec struct {
	KernelID  uuid.UUID
	SessionID uuid.UUID
	Image     string
	Slots     resource.Slots
}

// Client exposes the agent calls the core needs. Implementations must be safe
// for concurrent use.
type Client interface {
	CreateKernels(ctx *sokovancontext.Context, agentAddr string, specs []KernelCreationSpec) error
	DestroyKernels(ctx *sokovancontext.Context, agentAddr string, kernelIDs []uuid.UUID) error
	HealthCheck(ctx *sokovancontext.Context, agentAddr string) error
}
