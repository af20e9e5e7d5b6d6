// Package schedule turns cron expressions into concrete trigger instants.
//
// Parsing and evaluation are delegated to robfig/cron; this package pins the
// accepted grammar (5-field crontab, optional seconds field, @descriptors)
// and isolates the parser behind a small Spec type so the engine never
// touches the cron library directly.
//
// Evaluation is pure: Next never reads the wall clock, so callers decide the
// reference instant and the time zone (by passing instants in the desired
// location). Daylight-saving behavior is whatever robfig/cron and the time
// package provide; no extra correction is attempted here.
package schedule
