package negotiation

import (
	"fmt"

	"mnemosyned/models"
)

var allowedTransitions = map[models.NegotiationStatus][]models.NegotiationStatus{
	models.StatusNegotiating:      {models.StatusConsensusReached, models.StatusWithdrawn, models.StatusExpired},
	models.StatusConsensusReached: {models.StatusBinding, models.StatusWithdrawn, models.StatusExpired},
	models.StatusBinding:          {models.StatusDisputed},
}

// ValidateTransition ensures the transition follows the defined state machine.
// Terminal states (DISPUTED, EXPIRED, WITHDRAWN) allow no further moves.
func ValidateTransition(current, next models.NegotiationStatus) error {
	if current == next {
		return nil
	}
	allowed, ok := allowedTransitions[current]
	if !ok {
		return fmt.Errorf("no transitions allowed from %s", current)
	}
	for _, state := range allowed {
		if state == next {
			return nil
		}
	}
	return fmt.Errorf("transition from %s to %s is not permitted", current, next)
}
