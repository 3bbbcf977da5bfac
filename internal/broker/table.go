package broker

import (
	"sync"

	"tokenbroker/internal/accountcfg"
)

// Table is the process-wide account table: a coarse lock for insert/remove
// plus, per account, its own finer lock for mutation.
type Table struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewTable builds the account table from a resolved config, with every
// account starting Empty.
func NewTable(cfg *accountcfg.Config) *Table {
	t := &Table{accounts: make(map[string]*Account, len(cfg.Accounts))}
	for name, ac := range cfg.Accounts {
		t.accounts[name] = New(ac)
	}
	return t
}

// Get returns the named account, if configured.
func (t *Table) Get(name string) (*Account, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.accounts[name]
	return a, ok
}

// Names returns every configured account name, for `status`/iteration.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.accounts))
	for name := range t.accounts {
		names = append(names, name)
	}
	return names
}

// Range calls f for every account. f must not itself call back into Table.
func (t *Table) Range(f func(*Account)) {
	t.mu.RLock()
	accounts := make([]*Account, 0, len(t.accounts))
	for _, a := range t.accounts {
		accounts = append(accounts, a)
	}
	t.mu.RUnlock()

	for _, a := range accounts {
		f(a)
	}
}

// ReloadResult reports how a config reload changed the account set, so the
// caller can cancel timers and pending entries for anything removed.
type ReloadResult struct {
	Added   []string
	Removed []string
	Kept    []string
}

// Reload replaces the account set to match cfg. Accounts present in both
// the old and new config keep their existing runtime state (tokens,
// pending flows); accounts no longer in cfg are dropped entirely; newly
// added accounts start Empty.
func (t *Table) Reload(cfg *accountcfg.Config) ReloadResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result ReloadResult
	next := make(map[string]*Account, len(cfg.Accounts))

	for name, ac := range cfg.Accounts {
		if existing, ok := t.accounts[name]; ok {
			existing.SetConfig(ac)
			next[name] = existing
			result.Kept = append(result.Kept, name)
		} else {
			next[name] = New(ac)
			result.Added = append(result.Added, name)
		}
	}

	for name := range t.accounts {
		if _, ok := cfg.Accounts[name]; !ok {
			result.Removed = append(result.Removed, name)
		}
	}

	t.accounts = next
	return result
}
