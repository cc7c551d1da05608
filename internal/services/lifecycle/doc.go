// Package lifecycle runs the race lifecycle engine: a fixed-cadence
// reconciliation loop that moves races SCHEDULED -> ACTIVE -> COMPLETED,
// mirrors live message reactions into participant roles, and fires a
// decaying schedule of reminder messages as each start time approaches.
//
// The loop is deliberately single-flight: ticks never overlap, so the
// in-memory participant sets and the nag cache see no concurrent ticks.
// Every platform/storage call is treated as fallible per item; a failing
// race is skipped for one tick and reconciled again on the next.
package lifecycle
