// Package schedule runs the periodic billing sweeps (expiry, grace,
// delinquency, deferred downgrades, renewal reminders) and dead-letter
// reprocessing on cron schedules.
package schedule
