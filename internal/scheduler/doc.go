// Package scheduler owns deferred publishing.
//
// Schedule persists a job: media bytes go to a per-job directory and the
// rest of the request is sealed with the envelope key. A cron-driven poll
// calls Tick, which runs every due job one at a time in runAt order. A tick
// that fires while the previous one is still running does nothing.
//
// Job lifecycle:
//
//	scheduled -> running -> succeeded | partial | failed
//	scheduled -> cancelled
//
// Failed jobs are terminal and are never retried automatically.
package scheduler
