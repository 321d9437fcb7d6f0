package messaging

import (
	"log/slog"
	"time"

	"github.com/BTreeMap/WhatsHook/internal/models"
	cmap "github.com/orcaman/concurrent-map"
)

// AccountStatus is the registry entry of one account.
type AccountStatus struct {
	AccountID string                 `json:"accountId"`
	State     models.ConnectionState `json:"state"`
	Since     time.Time              `json:"since"`
}

// AccountRegistry tracks the transport connection state of every account. Accounts that were
// never registered read as open.
type AccountRegistry struct {
	states cmap.ConcurrentMap
	now    func() time.Time
}

// NewAccountRegistry creates an empty registry.
func NewAccountRegistry() *AccountRegistry {
	return &AccountRegistry{states: cmap.New(), now: time.Now}
}

// State returns the connection state of accountID.
func (r *AccountRegistry) State(accountID string) models.ConnectionState {
	v, ok := r.states.Get(models.NormalizeEndpoint(accountID))
	if !ok {
		return models.ConnectionStateOpen
	}
	return v.(AccountStatus).State
}

// SetState records a state transition for accountID.
func (r *AccountRegistry) SetState(accountID string, state models.ConnectionState) {
	key := models.NormalizeEndpoint(accountID)
	if prev, ok := r.states.Get(key); ok && prev.(AccountStatus).State == state {
		return
	}
	r.states.Set(key, AccountStatus{AccountID: key, State: state, Since: r.now()})
	slog.Info("AccountRegistry.SetState: account state changed", "account", key, "state", state)
}

// Remove forgets accountID.
func (r *AccountRegistry) Remove(accountID string) {
	r.states.Remove(models.NormalizeEndpoint(accountID))
}

// Snapshot returns every registered account.
func (r *AccountRegistry) Snapshot() []AccountStatus {
	out := make([]AccountStatus, 0, r.states.Count())
	for _, v := range r.states.Items() {
		out = append(out, v.(AccountStatus))
	}
	return out
}
