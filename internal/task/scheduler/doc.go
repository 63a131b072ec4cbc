// Package scheduler turns stored tasks into triggers and owns the full
// execution lifecycle of a fired task.
//
// Recurring tasks run on cron (seconds-aware specs); once tasks and
// follow-up retries run on versioned one-shot timers. A fired trigger is
// enqueued into the task engine, where the execution gate decides whether
// to run, postpone or ask. The scheduler also keeps the hardware wake
// alarm aligned with the earliest wake-enabled trigger.
package scheduler
