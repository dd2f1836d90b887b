package sales

import "context"

// Authorizer tells whether a requester may act on sales they do not own.
type Authorizer interface {
	CanOverride(ctx context.Context, requesterID string) bool
}

// StaticAuthorizer grants the override capability to a fixed set of users.
type StaticAuthorizer struct {
	ids map[string]struct{}
}

func NewStaticAuthorizer(ids []string) *StaticAuthorizer {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return &StaticAuthorizer{ids: set}
}

func (a *StaticAuthorizer) CanOverride(_ context.Context, requesterID string) bool {
	_, ok := a.ids[requesterID]
	return ok
}
