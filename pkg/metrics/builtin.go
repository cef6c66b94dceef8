package metrics

// 内置指标名
const (
	HTTPReqsName          = "http_reqs"
	HTTPReqDurationName   = "http_req_duration"
	HTTPReqFailedName     = "http_req_failed"
	DataSentName          = "data_sent"
	DataReceivedName      = "data_received"
	IterationsName        = "iterations"
	IterationDurationName = "iteration_duration"
	IterationErrorsName   = "iteration_errors"
	DroppedIterationsName = "dropped_iterations"
	VUsName               = "vus"
	VUsMaxName            = "vus_max"
	ChecksName            = "checks"
)
