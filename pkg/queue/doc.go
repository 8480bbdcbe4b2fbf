// Package queue provides a small repository-agnostic task queue used by
// the account-provisioning fallback path: when synchronous subscription
// creation fails, a one-time task is enqueued; a worker retries it with
// backoff; and tasks that exhaust their retries land in a dead letter
// queue awaiting the periodic reprocessing sweep.
//
// Components interact only through the EnqueuerRepository,
// WorkerRepository and DLQRepository interfaces, so the queue can be
// backed by any storage engine. MemoryStorage and PgStorage implement
// all three; PgStorage claims tasks with FOR UPDATE SKIP LOCKED so
// multiple daemon instances can share one table.
package queue
