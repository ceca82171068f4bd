// Package scheduler turns cron schedules into executions.
//
// Each schedule stores the last tick it was advanced to. On every wake the
// scheduler computes the ticks due since then, claims them by advancing the
// stored tick with a compare-and-set, and starts one execution per fire in
// its own goroutine. Ticks older than the misfire grace are "missed" and
// follow the schedule's catch-up policy; a restart is just a wake after a
// long gap.
package scheduler
