package command

import (
	"strings"
	"sync"

	"pushbot/internal/transport"
)

// Authorizer decides whether the sender of an update may run admin commands.
type Authorizer interface {
	Allowed(up transport.Update) bool
}

// AdminList allows senders listed as "<robotId>:<userId>" or a bare user id.
// An empty list allows everyone.
type AdminList struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

func NewAdminList(ids []string) *AdminList {
	a := &AdminList{}
	a.Set(ids)
	return a
}

// Set replaces the list; used on config reload.
func (a *AdminList) Set(ids []string) {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			m[id] = struct{}{}
		}
	}
	a.mu.Lock()
	a.ids = m
	a.mu.Unlock()
}

func (a *AdminList) Allowed(up transport.Update) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.ids) == 0 {
		return true
	}
	if _, ok := a.ids[up.RobotID+":"+up.FromID]; ok {
		return true
	}
	_, ok := a.ids[up.FromID]
	return ok
}
