package workflow

import (
	"errors"
	"fmt"

	"github.com/songzhibin97/approval-workflow/types"
)

var (
	ErrTransitionNotFound  = fmt.Errorf("%w: transition not found", types.ErrConfiguration)
	ErrNoStartActivity     = fmt.Errorf("%w: workflow definition has no start activity", types.ErrConfiguration)
	ErrInvalidMultiplicity = fmt.Errorf("%w: invalid multiplicity", types.ErrConfiguration)

	ErrStepIncomplete = errors.New("current step is not complete")
	ErrInvalidState   = errors.New("instance status does not allow the operation")
	ErrNotCurrentStep = errors.New("activity does not belong to the current step")
)
