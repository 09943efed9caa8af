package timing

import (
	"errors"
	"fmt"

	"github.com/okian/racepulse/internal/domain/model"
)

var (
	// ErrShutdown is returned by operations on a Manager that was shut down.
	ErrShutdown = errors.New("timing manager shut down")
	// ErrNotSubscribed is returned when unsubscribing from a race with no
	// active subscription. It matches model.ErrNotFound.
	ErrNotSubscribed = fmt.Errorf("race not subscribed: %w", model.ErrNotFound)

	errNoSubscriptions = errors.New("no active subscriptions")
)
