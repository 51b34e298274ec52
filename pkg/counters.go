package pkg

// RunCounters accumulates per-run accounting. The end-of-run summary and the
// exported metrics are built from one of these; nothing in the pipeline
// reads global state.
type RunCounters struct {
	BucketsBuilt        int
	BucketsSkipped      int
	CacheHits           int
	CacheNegatives      int
	GeolocationCalls    int
	GeolocationFailures int
	PositionsInserted   int
	HysteresisRejected  int
	StorageSkips        int
	MalformedTimestamps int
	MalformedPayloads   int
	MalformedAddresses  int
	IncompleteFixes     int
	AlertsEmitted       int
	EmailsSent          int
	EmailFailures       int
}
