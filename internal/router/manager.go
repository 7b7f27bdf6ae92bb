package router

import (
	"sync"
	"sync/atomic"

	"github.com/songzhibin97/relaygate/pkg/log"
)

// Lifecycle is the configuration state of a Manager.
type Lifecycle int32

const (
	// Configuring accepts new rules; matching takes the manager lock.
	Configuring Lifecycle = iota
	// Active rejects new rules; matching takes no lock.
	Active
)

// String returns the string representation of the lifecycle
func (l Lifecycle) String() string {
	switch l {
	case Configuring:
		return "configuring"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

// Match is the result of matching a path: at most one local and one remote rule.
type Match struct {
	Local  *RuleDetail
	Remote *RuleDetail
}

// Empty reports whether no rule matched.
func (m Match) Empty() bool {
	return m.Local == nil && m.Remote == nil
}

// Manager stores routing rules in a segment trie. Rules are added while the
// manager is Configuring; Activate freezes the trie for lock-free reads.
type Manager struct {
	mu    sync.Mutex
	state atomic.Int32
	root  *trieNode
	rules []*RuleDetail

	localFirst bool
	logger     log.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLocalFirst makes GetService prefer the local rule when a path matches
// both a local and a remote rule.
func WithLocalFirst(localFirst bool) Option {
	return func(m *Manager) {
		m.localFirst = localFirst
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger log.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a manager in the Configuring state.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		root:       newTrieNode(),
		localFirst: true,
		logger:     log.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddRule registers pattern -> serviceExpr. serviceExpr is either "local" or
// [scheme://]serviceName[/extraPath]. After Activate the rule is ignored and
// a warning is logged.
func (m *Manager) AddRule(pattern, serviceExpr, rewriteRegex, rewriteTarget string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() == Active {
		m.logger.Warn("rule ignored, rule manager already active",
			log.String("pattern", pattern),
			log.String("service", serviceExpr),
		)
		return nil
	}

	invalid := func(err error) error {
		return &InvalidRuleError{Pattern: pattern, Service: serviceExpr, Err: err}
	}

	if pattern == "" {
		return invalid(ErrEmptyPattern)
	}
	segs, err := splitPattern(pattern)
	if err != nil {
		return invalid(err)
	}
	rule, err := newRuleDetail(pattern, serviceExpr, rewriteRegex, rewriteTarget)
	if err != nil {
		return invalid(err)
	}

	if existing := m.root.insert(segs, rule); existing != nil {
		return &DuplicateRuleError{
			Path:     pattern,
			Services: []string{describe(existing), describe(rule)},
		}
	}
	m.rules = append(m.rules, rule)

	m.logger.Debug("rule added",
		log.String("pattern", pattern),
		log.String("service", describe(rule)),
		log.Bool("local", rule.IsLocal),
	)
	return nil
}

// Activate freezes the rule set. Only the first call returns true.
func (m *Manager) Activate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.CompareAndSwap(int32(Configuring), int32(Active)) {
		return false
	}
	m.logger.Info("rule manager activated", log.Int("rules", len(m.rules)))
	return true
}

// State returns the current lifecycle state.
func (m *Manager) State() Lifecycle {
	return Lifecycle(m.state.Load())
}

// Match finds the rules matching path. The query string is ignored. A path
// may match at most one local and one remote rule; anything else is a
// *DuplicateRuleError.
func (m *Manager) Match(path string) (Match, error) {
	if m.State() != Active {
		m.mu.Lock()
		defer m.mu.Unlock()
	}

	matched := m.root.collect(splitPath(path), nil)

	var result Match
	switch len(matched) {
	case 0:
		return result, nil
	case 1:
		if matched[0].IsLocal {
			result.Local = matched[0]
		} else {
			result.Remote = matched[0]
		}
		return result, nil
	case 2:
		if matched[0].IsLocal != matched[1].IsLocal {
			for _, r := range matched {
				if r.IsLocal {
					result.Local = r
				} else {
					result.Remote = r
				}
			}
			return result, nil
		}
	}

	services := make([]string, len(matched))
	for i, r := range matched {
		services[i] = describe(r)
	}
	return Match{}, &DuplicateRuleError{Path: path, Services: services}
}

// GetService returns the rule that should serve path, or nil when no rule
// matches. When both kinds match, the local-first preference decides.
func (m *Manager) GetService(path string) (*RuleDetail, error) {
	match, err := m.Match(path)
	if err != nil {
		return nil, err
	}
	switch {
	case match.Local != nil && match.Remote != nil:
		if m.localFirst {
			return match.Local, nil
		}
		return match.Remote, nil
	case match.Local != nil:
		return match.Local, nil
	default:
		return match.Remote, nil
	}
}

// LocalFirst reports the preference used by GetService.
func (m *Manager) LocalFirst() bool {
	return m.localFirst
}

// Rules returns the registered rules in registration order.
func (m *Manager) Rules() []*RuleDetail {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*RuleDetail, len(m.rules))
	copy(out, m.rules)
	return out
}

func describe(r *RuleDetail) string {
	if r.IsLocal {
		return LocalService
	}
	return r.Protocol + "://" + r.ServiceName + r.ExtraPath
}
