package replay

// Submission results.
const (
	resultCreated    = "created"
	resultUpdated    = "updated"
	resultDuplicate  = "duplicate"
	resultUnresolved = "split_unresolved"
	resultRejected   = "rejected"
	resultFailed     = "failed"
)

// Worker configuration constants.
const (
	WorkerChannelMultiplier = 2
)

const webhookPath = "/webhook/checkpoint"
