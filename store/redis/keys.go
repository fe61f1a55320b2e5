package redis

// Redis key naming conventions for conveyor data.
// All keys are prefixed with "conveyor:" to avoid collisions.

const keyPrefix = "conveyor:"

// jobKey returns the key for a job hash: conveyor:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// scheduledKey is the Sorted Set of deferred job IDs scored by their
// ScheduledAt time in unix milliseconds.
const scheduledKey = keyPrefix + "scheduled"
