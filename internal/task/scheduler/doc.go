// Package scheduler registers named periodic jobs (cron expressions or fixed
// intervals) and enqueues them into the task engine when they come due.
//
// One-shot event triggers live in internal/trigger; this package covers the
// engine's own housekeeping: the shard poll sweep and store maintenance.
package scheduler
