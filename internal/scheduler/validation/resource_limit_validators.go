package validation

import (
	"fmt"

	"github.com/sokovanproject/sokovan/internal/common/resource"
	"github.com/sokovanproject/sokovan/internal/common/sokovanerrors"
)

// keypairResourceLimitValidator checks requested + keypair occupancy against
// the keypair policy's total allowed slots.
type keypairResourceLimitValidator struct{}

func (v keypairResourceLimitValidator) Name() string {
	return "keypair_resource_limit"
}

func (v keypairResourceLimitValidator) Validate(ctx *Context) error {
	policy := ctx.Policies.Keypair
	if policy == nil || ctx.Session.IsPrivate {
		return nil
	}
	occupied := ctx.Occupancy.ByKeypair[ctx.Session.AccessKey].OccupiedSlots
	total := occupiedPlusRequested(occupied, ctx.Session.RequestedSlots)
	exceeded := resource.PolicyExceededKinds(total, policy.TotalResourceSlots, policy.DefaultForUnspecified)
	if len(exceeded) > 0 {
		return &sokovanerrors.ResourceQuotaExceededError{
			Scope:         "keypair",
			ScopeID:       ctx.Session.AccessKey,
			ExceededKinds: exceeded,
		}
	}
	return nil
}

// userResourceLimitValidator checks requested + user occupancy against the
// user policy's total allowed slots.
type userResourceLimitValidator struct{}

func (v userResourceLimitValidator) Name() string {
	return "user_resource_limit"
}

func (v userResourceLimitValidator) Validate(ctx *Context) error {
	policy := ctx.Policies.User
	if policy == nil || ctx.Session.IsPrivate {
		return nil
	}
	occupied := ctx.Occupancy.ByUser[ctx.Session.UserID]
	total := occupiedPlusRequested(occupied, ctx.Session.RequestedSlots)
	exceeded := resource.PolicyExceededKinds(total, policy.TotalResourceSlots, policy.DefaultForUnspecified)
	if len(exceeded) > 0 {
		return &sokovanerrors.ResourceQuotaExceededError{
			Scope:         "user",
			ScopeID:       ctx.Session.UserID.String(),
			ExceededKinds: exceeded,
		}
	}
	return nil
}

// projectResourceLimitValidator checks requested + project occupancy against
// the project policy's total allowed slots.
type projectResourceLimitValidator struct{}

func (v projectResourceLimitValidator) Name() string {
	return "project_resource_limit"
}

func (v projectResourceLimitValidator) Validate(ctx *Context) error {
	policy := ctx.Policies.Project
	if policy == nil || ctx.Session.IsPrivate {
		return nil
	}
	occupied := ctx.Occupancy.ByProject[ctx.Session.ProjectID]
	total := occupiedPlusRequested(occupied, ctx.Session.RequestedSlots)
	exceeded := resource.PolicyExceededKinds(total, policy.TotalResourceSlots, policy.DefaultForUnspecified)
	if len(exceeded) > 0 {
		return &sokovanerrors.ResourceQuotaExceededError{
			Scope:         "project",
			ScopeID:       ctx.Session.ProjectID.String(),
			ExceededKinds: exceeded,
		}
	}
	return nil
}

// domainResourceLimitValidator checks requested + domain occupancy against the
// domain policy's total allowed slots.
type domainResourceLimitValidator struct{}

func (v domainResourceLimitValidator) Name() string {
	return "domain_resource_limit"
}

func (v domainResourceLimitValidator) Validate(ctx *Context) error {
	policy := ctx.Policies.Domain
	if policy == nil || ctx.Session.IsPrivate {
		return nil
	}
	occupied := ctx.Occupancy.ByDomain[ctx.Session.DomainName]
	total := occupiedPlusRequested(occupied, ctx.Session.RequestedSlots)
	exceeded := resource.PolicyExceededKinds(total, policy.TotalResourceSlots, policy.DefaultForUnspecified)
	if len(exceeded) > 0 {
		return &sokovanerrors.ResourceQuotaExceededError{
			Scope:         "domain",
			ScopeID:       ctx.Session.DomainName,
			ExceededKinds: exceeded,
		}
	}
	return nil
}

// pendingSessionResourceLimitValidator caps the aggregate requested slots of
// all pending sessions of one keypair: other pending requests plus the current
// request must stay within the policy cap.
type pendingSessionResourceLimitValidator struct{}

func (v pendingSessionResourceLimitValidator) Name() string {
	return "pending_session_resource_limit"
}

func (v pendingSessionResourceLimitValidator) Validate(ctx *Context) error {
	policy := ctx.Policies.Keypair
	if policy == nil || policy.MaxPendingSessionSlots == nil || ctx.Session.IsPrivate {
		return nil
	}
	total := occupiedPlusRequested(ctx.Pending.RequestedSlots, ctx.Session.RequestedSlots)
	exceeded := resource.PolicyExceededKinds(total, policy.MaxPendingSessionSlots, resource.Unlimited)
	if len(exceeded) > 0 {
		return &sokovanerrors.ResourceQuotaExceededError{
			Scope:         "pending",
			ScopeID:       ctx.Session.AccessKey,
			ExceededKinds: exceeded,
			Message:       "aggregate pending session resources exceed the policy cap",
		}
	}
	return nil
}

// pendingSessionCountLimitValidator bounds how many sessions one keypair may
// keep queued at once.
type pendingSessionCountLimitValidator struct{}

func (v pendingSessionCountLimitValidator) Name() string {
	return "pending_session_count_limit"
}

func (v pendingSessionCountLimitValidator) Validate(ctx *Context) error {
	policy := ctx.Policies.Keypair
	if policy == nil || policy.MaxPendingSessionCount <= 0 || ctx.Session.IsPrivate {
		return nil
	}
	// Pending counts other queued sessions; the candidate itself makes +1.
	if ctx.Pending.SessionCount+1 > policy.MaxPendingSessionCount {
		return &sokovanerrors.ResourceQuotaExceededError{
			Scope:   "pending",
			ScopeID: ctx.Session.AccessKey,
			Message: fmt.Sprintf("pending session count limit (%d) reached", policy.MaxPendingSessionCount),
		}
	}
	return nil
}

// concurrencyValidator bounds simultaneously active sessions per keypair.
// Private sessions are counted against their own limit.
type concurrencyValidator struct{}

func (v concurrencyValidator) Name() string {
	return "concurrency"
}

func (v concurrencyValidator) Validate(ctx *Context) error {
	policy := ctx.Policies.Keypair
	if policy == nil {
		return nil
	}
	occupancy := ctx.Occupancy.ByKeypair[ctx.Session.AccessKey]
	if ctx.Session.IsPrivate {
		if policy.MaxConcurrentSFTPSessions > 0 && occupancy.SFTPSessionCount+1 > policy.MaxConcurrentSFTPSessions {
			return &sokovanerrors.ResourceQuotaExceededError{
				Scope:   "keypair",
				ScopeID: ctx.Session.AccessKey,
				Message: fmt.Sprintf("concurrent SFTP session limit (%d) reached", policy.MaxConcurrentSFTPSessions),
			}
		}
		return nil
	}
	if policy.MaxConcurrentSessions > 0 && occupancy.SessionCount+1 > policy.MaxConcurrentSessions {
		return &sokovanerrors.ResourceQuotaExceededError{
			Scope:   "keypair",
			ScopeID: ctx.Session.AccessKey,
			Message: fmt.Sprintf("concurrent session limit (%d) reached", policy.MaxConcurrentSessions),
		}
	}
	return nil
}
