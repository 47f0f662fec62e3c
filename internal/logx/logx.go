/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

// Package logx is the project's single logging helper, generalized from
// partybox's logf(cfg, format, args...) to also carry a correlation-id
// (spec.md §4.6, §7: failures are "logged with correlation-id").
package logx

import (
	"log"
	"time"
)

const logDate string = `2006-01-02T15:04:05.000-07:00`

// Logf writes a timestamped line gated on verbose, exactly like
// partybox's logf. corrID may be empty when no connection/request scope
// applies.
func Logf(verbose bool, corrID, format string, args ...any) {
	if !verbose {
		return
	}
	prefix := time.Now().Format(logDate)
	if corrID != "" {
		prefix += " | " + corrID
	}
	log.Printf("%s | "+format, append([]any{prefix}, args...)...)
}

// Errorf always logs, regardless of verbose — used for INTERNAL-kind
// failures which spec.md §7 says must always be logged.
func Errorf(corrID, format string, args ...any) {
	prefix := time.Now().Format(logDate)
	if corrID != "" {
		prefix += " | " + corrID
	}
	log.Printf("%s | ERROR | "+format, append([]any{prefix}, args...)...)
}
