// Package command implements the command executor: it dispatches a
// parsed wire.Command against the store and subscription registry and
// produces a Result describing the reply and any publish side effect.
package command

import (
	"fmt"

	"github.com/camigeneral/tp-grupal-taller-sub000/internal/wire"
)

// Result is the outcome of executing one command.
type Result struct {
	Reply wire.Value

	// ShouldPublish, Notification and Key describe the side effect the
	// caller (the session loop) must perform after writing Reply: publish
	// Notification to Key's subscribers via the pubsub registry.
	ShouldPublish bool
	Notification  string
	Key           string
}

func ok() Result { return Result{Reply: wire.Simple("OK")} }

func errf(format string, a ...any) Result {
	return Result{Reply: wire.ErrVal(fmt.Sprintf(format, a...))}
}
