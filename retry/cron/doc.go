// Package cron parses standard 5-field cron expressions and runs
// scheduled jobs.
//
// Parse supports wildcards, ranges, steps, and lists across minute,
// hour, day-of-month, month, and day-of-week fields; Every covers
// fixed-rate sub-minute intervals. A Job ties a Schedule to a function
// and a retry policy, and satisfies retry.Task so it can run under a
// retry.Supervisor.
package cron
