package guard

import (
	"errors"
	"fmt"

	"github.com/ogulcanaydogan/spend-guard/pkg/model"
)

// ErrBudgetExceeded matches every ExceededError.
var ErrBudgetExceeded = errors.New("budget exceeded")

// ExceededError names the first scope, in Global → Project → User order,
// that is exhausted or would be breached by the estimated cost.
type ExceededError struct {
	Scope     model.ScopeKind
	ScopeID   string
	Limit     float64
	Used      float64
	Estimated float64
}

func (e *ExceededError) Error() string {
	name := string(e.Scope)
	if e.ScopeID != "" {
		name += " " + e.ScopeID
	}
	return fmt.Sprintf("%s daily limit of $%.2f exceeded (used $%.4f, estimated $%.4f)",
		name, e.Limit, e.Used, e.Estimated)
}

func (e *ExceededError) Is(target error) bool { return target == ErrBudgetExceeded }
