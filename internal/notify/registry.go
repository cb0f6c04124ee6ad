package notify

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/threatscope/threatscope/internal/common/config"
)

var (
	// ErrAlreadyRegistered is returned when a connection ID is already
	// present in the registry.
	ErrAlreadyRegistered = errors.New("connection already registered")
	// ErrNotFound is returned when an operation references a connection
	// that is no longer registered. Callers treat it as a benign race
	// with disconnect.
	ErrNotFound = errors.New("connection not found")
	// ErrPrincipalConnLimit is returned when a principal already holds
	// the configured number of concurrent connections.
	ErrPrincipalConnLimit = errors.New("principal connection limit reached")
	// ErrGroupLimit is returned when an operation would exceed the
	// per-connection group cap.
	ErrGroupLimit = errors.New("group limit reached")
)

// TargetMode selects how a dispatch target is resolved.
type TargetMode string

const (
	TargetConnection TargetMode = "connection"
	TargetPrincipal  TargetMode = "principal"
	TargetJob        TargetMode = "job"
	TargetGroup      TargetMode = "group"
	TargetBroadcast  TargetMode = "broadcast"
)

// Target addresses a set of live connections.
type Target struct {
	Mode TargetMode
	ID   string
}

func ToConnection(id string) Target { return Target{Mode: TargetConnection, ID: id} }
func ToPrincipal(id string) Target  { return Target{Mode: TargetPrincipal, ID: id} }
func ToJob(id string) Target        { return Target{Mode: TargetJob, ID: id} }
func ToGroup(label string) Target   { return Target{Mode: TargetGroup, ID: label} }
func Broadcast() Target             { return Target{Mode: TargetBroadcast} }

// ValidTargetMode reports whether mode names a supported addressing mode.
func ValidTargetMode(mode string) bool {
	switch TargetMode(mode) {
	case TargetConnection, TargetPrincipal, TargetJob, TargetGroup, TargetBroadcast:
		return true
	}
	return false
}

// ConnInfo is a read-only snapshot of one connection's attributes,
// used for administrative introspection.
type ConnInfo struct {
	ID          string    `json:"connection_id"`
	PrincipalID string    `json:"principal_id,omitempty"`
	JobID       string    `json:"job_id,omitempty"`
	ConnType    string    `json:"connection_type"`
	Groups      []string  `json:"groups"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// ListFilter narrows the set of connections returned by List.
type ListFilter struct {
	PrincipalID string
	JobID       string
	ConnType    string
	Group       string
}

// Registry owns the mapping from connection ID to live connection and
// the secondary indexes used for targeted dispatch. One registry exists
// per process; all mutation runs under a single mutex so the indexes
// are never observed partially updated.
type Registry struct {
	logger *zap.Logger

	mu          sync.RWMutex
	conns       map[string]*Conn
	byPrincipal map[string]map[string]struct{}
	byJob       map[string]map[string]struct{}
	byGroup     map[string]map[string]struct{}

	maxConnsPerPrincipal int
	maxGroupsPerConn     int
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger, cfg *config.WebSocketConfig) *Registry {
	return &Registry{
		logger:               logger.Named("notify.registry"),
		conns:                make(map[string]*Conn),
		byPrincipal:          make(map[string]map[string]struct{}),
		byJob:                make(map[string]map[string]struct{}),
		byGroup:              make(map[string]map[string]struct{}),
		maxConnsPerPrincipal: cfg.MaxConnsPerPrincipal,
		maxGroupsPerConn:     cfg.MaxGroupsPerConn,
	}
}

// Register inserts a connection into the primary map and every secondary
// index implied by its attributes. It rejects duplicate IDs and
// connections that would exceed the configured caps.
func (r *Registry) Register(c *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[c.id]; exists {
		return ErrAlreadyRegistered
	}
	if c.principalID != "" && r.maxConnsPerPrincipal > 0 &&
		len(r.byPrincipal[c.principalID]) >= r.maxConnsPerPrincipal {
		return ErrPrincipalConnLimit
	}
	if r.maxGroupsPerConn > 0 && len(c.groups) > r.maxGroupsPerConn {
		return ErrGroupLimit
	}

	r.conns[c.id] = c
	if c.principalID != "" {
		addIndex(r.byPrincipal, c.principalID, c.id)
	}
	if c.jobID != "" {
		addIndex(r.byJob, c.jobID, c.id)
	}
	for g := range c.groups {
		addIndex(r.byGroup, g, c.id)
	}

	r.logger.Info("connection registered",
		zap.String("connection_id", c.id),
		zap.String("principal_id", c.principalID),
		zap.String("job_id", c.jobID),
		zap.String("connection_type", c.connType),
		zap.Int("groups", len(c.groups)))
	return nil
}

// Unregister removes a connection from the primary map and scrubs every
// secondary index entry referencing it. It is idempotent: removing an
// absent ID returns nil. The removed connection is returned so the
// caller can close its transport outside the lock.
func (r *Registry) Unregister(id string) *Conn {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}

	delete(r.conns, id)
	if c.principalID != "" {
		dropIndex(r.byPrincipal, c.principalID, id)
	}
	if c.jobID != "" {
		dropIndex(r.byJob, c.jobID, id)
	}
	for g := range c.groups {
		dropIndex(r.byGroup, g, id)
	}
	r.mu.Unlock()

	r.logger.Info("connection unregistered",
		zap.String("connection_id", id),
		zap.String("principal_id", c.principalID))
	return c
}

// UpdateGroups atomically applies group additions and removals to a
// connection and its by-group index entries. Adds of held groups and
// removes of absent groups are no-ops. The resulting sorted group set
// is returned.
func (r *Registry) UpdateGroups(id string, add, remove []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return nil, ErrNotFound
	}

	added := 0
	for _, g := range add {
		if g == "" {
			continue
		}
		if _, held := c.groups[g]; !held {
			added++
		}
	}
	if r.maxGroupsPerConn > 0 && len(c.groups)+added > r.maxGroupsPerConn {
		return nil, ErrGroupLimit
	}

	for _, g := range add {
		if g == "" {
			continue
		}
		if _, held := c.groups[g]; held {
			continue
		}
		c.groups[g] = struct{}{}
		addIndex(r.byGroup, g, id)
	}
	for _, g := range remove {
		if _, held := c.groups[g]; !held {
			continue
		}
		delete(c.groups, g)
		dropIndex(r.byGroup, g, id)
	}

	return groupList(c.groups), nil
}

// Resolve returns a snapshot of the live connections matching the
// target. The snapshot is taken under the lock and released before any
// I/O so slow sends never block registration.
func (r *Registry) Resolve(t Target) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch t.Mode {
	case TargetConnection:
		if c, ok := r.conns[t.ID]; ok {
			return []*Conn{c}
		}
		return nil
	case TargetPrincipal:
		return r.collect(r.byPrincipal[t.ID])
	case TargetJob:
		return r.collect(r.byJob[t.ID])
	case TargetGroup:
		return r.collect(r.byGroup[t.ID])
	case TargetBroadcast:
		out := make([]*Conn, 0, len(r.conns))
		for _, c := range r.conns {
			out = append(out, c)
		}
		return out
	default:
		return nil
	}
}

// collect materializes an index entry into connections. Caller holds at
// least the read lock.
func (r *Registry) collect(ids map[string]struct{}) []*Conn {
	if len(ids) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(ids))
	for id := range ids {
		if c, ok := r.conns[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Groups returns the current sorted group set of a connection.
func (r *Registry) Groups(id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return groupList(c.groups), nil
}

// List returns introspection snapshots for connections matching the
// filter, sorted by connection ID.
func (r *Registry) List(f ListFilter) []ConnInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ConnInfo, 0, len(r.conns))
	for _, c := range r.conns {
		if f.PrincipalID != "" && c.principalID != f.PrincipalID {
			continue
		}
		if f.JobID != "" && c.jobID != f.JobID {
			continue
		}
		if f.ConnType != "" && c.connType != f.ConnType {
			continue
		}
		if f.Group != "" {
			if _, held := c.groups[f.Group]; !held {
				continue
			}
		}
		out = append(out, ConnInfo{
			ID:          c.id,
			PrincipalID: c.principalID,
			JobID:       c.jobID,
			ConnType:    c.connType,
			Groups:      groupList(c.groups),
			RemoteAddr:  c.remoteAddr,
			ConnectedAt: c.connectedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func addIndex(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func dropIndex(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}

func groupList(groups map[string]struct{}) []string {
	out := make([]string, 0, len(groups))
	for g := range groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}
