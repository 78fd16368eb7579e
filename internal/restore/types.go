// Package restore picks the tenant context a client should resume with at
// startup. It weighs the locally cached record against the backend profile, a
// session value and a server suggestion, then asks the backend to confirm the
// winner.
package restore

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type Source string

const (
	SourceLocal     Source = "local"
	SourceRemote    Source = "remote"
	SourceSession   Source = "session"
	SourceSuggested Source = "suggested"
)

const (
	ReasonPreferenceDisabled = "PREFERENCE_DISABLED"
	ReasonNoContext          = "NO_CONTEXT"
	ReasonInvalidContext     = "INVALID_CONTEXT"
	ReasonValidationError    = "VALIDATION_ERROR"

	ReasonOrgNotFound      = "ORG_NOT_FOUND"
	ReasonOrgAccessRevoked = "ORG_ACCESS_REVOKED"
	ReasonCompanyNotFound  = "COMPANY_NOT_FOUND"
	ReasonCompanyInvalid   = "COMPANY_INVALID"
)

// UnboundedTTL makes a strategy accept candidates of any age.
const UnboundedTTL time.Duration = math.MaxInt64

// Selection is the tenant a client operates against. CompanyID is nil when
// the org has no company scope.
type Selection struct {
	OrgID     int64  `json:"orgId"`
	CompanyID *int64 `json:"companyId"`
}

func (s Selection) Clone() Selection {
	out := s
	if s.CompanyID != nil {
		company := *s.CompanyID
		out.CompanyID = &company
	}
	return out
}

func (s Selection) Equal(other Selection) bool {
	if s.OrgID != other.OrgID {
		return false
	}
	if s.CompanyID == nil || other.CompanyID == nil {
		return s.CompanyID == nil && other.CompanyID == nil
	}
	return *s.CompanyID == *other.CompanyID
}

func (s Selection) String() string {
	if s.CompanyID == nil {
		return fmt.Sprintf("%d:null", s.OrgID)
	}
	return fmt.Sprintf("%d:%d", s.OrgID, *s.CompanyID)
}

// Candidate is one source's opinion during a restore pass. A zero UpdatedAt
// means the source gave no timestamp.
type Candidate struct {
	Selection
	UpdatedAt time.Time
	Source    Source
}

type Validation struct {
	IsValid     bool     `json:"isValid"`
	Reason      string   `json:"reason"`
	Permissions []string `json:"permissions,omitempty"`
}

// Result is the outcome of Restore. Reason is empty on success and on
// unvalidated fallbacks.
type Result struct {
	Selection  *Selection
	Source     Source
	Reason     string
	Candidate  *Candidate
	Validation *Validation
}

type Strategy struct {
	Name           string
	TTL            time.Duration
	Priority       []Source
	PreferPriority bool
}

const (
	StrategyControl     = "control"
	StrategyRemoteFirst = "remote_first"
	StrategyExtendedTTL = "extended_ttl"
)

const day = 24 * time.Hour

var strategies = map[string]Strategy{
	StrategyControl: {
		Name:     StrategyControl,
		TTL:      30 * day,
		Priority: []Source{SourceLocal, SourceRemote, SourceSession, SourceSuggested},
	},
	StrategyRemoteFirst: {
		Name:           StrategyRemoteFirst,
		TTL:            30 * day,
		Priority:       []Source{SourceRemote, SourceLocal, SourceSession, SourceSuggested},
		PreferPriority: true,
	},
	StrategyExtendedTTL: {
		Name:     StrategyExtendedTTL,
		TTL:      45 * day,
		Priority: []Source{SourceLocal, SourceRemote, SourceSession, SourceSuggested},
	},
}

// StrategyByName looks up a built-in strategy, case-insensitively.
func StrategyByName(name string) (Strategy, bool) {
	strategy, ok := strategies[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Strategy{}, false
	}
	strategy.Priority = append([]Source(nil), strategy.Priority...)
	return strategy, true
}

// ResolveStrategy returns the named built-in, or control for unknown names.
func ResolveStrategy(name string) Strategy {
	if strategy, ok := StrategyByName(name); ok {
		return strategy
	}
	strategy, _ := StrategyByName(StrategyControl)
	return strategy
}

// StrategyNames lists the built-in strategies in a stable order.
func StrategyNames() []string {
	return []string{StrategyControl, StrategyRemoteFirst, StrategyExtendedTTL}
}

func (s Strategy) includes(source Source) bool {
	return s.rank(source) >= 0
}

func (s Strategy) rank(source Source) int {
	for i, candidate := range s.Priority {
		if candidate == source {
			return i
		}
	}
	return -1
}
