package domain

// JobName identifies a recurring task. The set is closed: every name a worker
// can receive is declared here.
type JobName string

const (
	JobSyncIncremental JobName = "sync-incremental"
	JobSyncFull        JobName = "sync-full"
	JobPollInboxes     JobName = "poll-inboxes"
	JobSendScheduled   JobName = "send-scheduled"
	JobWakeSnoozed     JobName = "wake-snoozed"
	JobAbandonedCarts  JobName = "abandoned-carts"
	JobAdAlerts        JobName = "ad-alerts"
	JobLowStockAlerts  JobName = "low-stock-alerts"
	JobAnalyticsRollup JobName = "analytics-rollup"
	JobPriceRefresh    JobName = "price-refresh"
	JobReportSchedules JobName = "report-schedules"
	JobPruneJobs       JobName = "prune-jobs"
	JobTenantSync      JobName = "tenant-sync"
)

var knownJobs = map[JobName]struct{}{
	JobSyncIncremental: {},
	JobSyncFull:        {},
	JobPollInboxes:     {},
	JobSendScheduled:   {},
	JobWakeSnoozed:     {},
	JobAbandonedCarts:  {},
	JobAdAlerts:        {},
	JobLowStockAlerts:  {},
	JobAnalyticsRollup: {},
	JobPriceRefresh:    {},
	JobReportSchedules: {},
	JobPruneJobs:       {},
	JobTenantSync:      {},
}

// Valid reports whether n is one of the declared job names.
func (n JobName) Valid() bool {
	_, ok := knownJobs[n]
	return ok
}

func (n JobName) String() string { return string(n) }

// Queue names. SchedulerQueue carries every durable recurring trigger; the
// per-family queues carry deduplicated per-tenant units.
const (
	SchedulerQueue = "scheduler"
	StoreSyncQueue = "store-sync"
)
