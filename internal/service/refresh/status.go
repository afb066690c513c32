package refresh

import (
	"fmt"

	"github.com/nkiryanov/usermanager/internal/models"
)

// Build sessions snapshot with the warning for the user
//   - active >= maxAllowed: limit reached
//   - active == maxAllowed-1: close to the limit
//   - active == maxAllowed-2: informational
func NewSessionStatus(active int, maxAllowed int) models.SessionStatus {
	status := models.SessionStatus{
		ActiveCount: active,
		MaxAllowed:  maxAllowed,
		NearLimit:   active >= maxAllowed-1,
	}

	switch {
	case active >= maxAllowed:
		status.Warning = fmt.Sprintf("You have reached the limit of %d connected devices. The oldest session is signed out when a new one starts.", maxAllowed)
	case active == maxAllowed-1:
		status.Warning = fmt.Sprintf("You are close to the device limit (%d/%d).", active, maxAllowed)
	case active == maxAllowed-2 && active > 0:
		status.Warning = fmt.Sprintf("You have %d of %d devices connected.", active, maxAllowed)
	}

	return status
}
