package conversation

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks turns that cannot run because the minor's setup
	// is incomplete.
	ErrConfiguration        = errors.New("configuration error")
	ErrGuardRulesMissing    = fmt.Errorf("%w: guard rules missing", ErrConfiguration)
	ErrConversationNotFound = errors.New("conversation not found")
	ErrEmptyMessage         = errors.New("message text is empty")
)
