package models

// Method names the console issues. The middleware owns the directory; these
// constants only keep call sites free of typos.
const (
	MethodGetJobs  = "core.get_jobs"
	MethodBulk     = "core.bulk"
	MethodJobAbort = "core.job_abort"
	MethodPing     = "core.ping"

	MethodLoginWithAPIKey = "auth.login_with_api_key"

	MethodCloudSyncSync    = "cloudsync.sync"
	MethodCloudSyncAbort   = "cloudsync.abort"
	MethodCloudSyncRestore = "cloudsync.restore"
	MethodCloudSyncCreate  = "cloudsync.create"

	MethodJailStart    = "jail.start"
	MethodJailStop     = "jail.stop"
	MethodJailRestart  = "jail.restart"
	MethodJailActivate = "jail.activate"
	MethodPluginQuery  = "plugin.query"

	MethodInterfaceCommit            = "interface.commit"
	MethodInterfaceCheckin           = "interface.checkin"
	MethodInterfaceRollback          = "interface.rollback"
	MethodInterfaceHasPendingChanges = "interface.has_pending_changes"
	MethodInterfaceCheckinWaiting    = "interface.checkin_waiting"

	MethodCatalogQuery = "catalog.query"
	MethodCatalogSync  = "catalog.sync"
)

// Push topics.
const (
	JobsTopic              = "core.get_jobs"
	ReportingRealtimeTopic = "reporting.realtime"
)
