// Package store provides durable facilitator.Repository implementations.
//
// Every implementation upholds the same rule: a stored terminal record is never
// replaced. Writes that would regress a completed or failed payment are
// accepted and ignored so the mirror can replay its queue without errors.
package store

import (
	facilitator "github.com/apitoll/facilitator"
)

// terminalSQL lists the terminal statuses for SQL guard clauses.
const terminalSQL = `('completed', 'failed')`

// writable reports whether a stored record may still be overwritten.
func writable(existing facilitator.PaymentRecord) bool {
	return !existing.Status.IsTerminal()
}
