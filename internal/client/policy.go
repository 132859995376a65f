package client

import "time"

// Policy is the single retry/deadline policy applied to every call.
type Policy struct {
	Timeout              time.Duration
	LookupRetryTimeout   time.Duration
	TransferRetryTimeout time.Duration
	// MaxRetries is 0 or 1; larger values are clamped to 1.
	MaxRetries int
}

func DefaultPolicy() Policy {
	return Policy{
		Timeout:              10 * time.Second,
		LookupRetryTimeout:   15 * time.Second,
		TransferRetryTimeout: 20 * time.Second,
		MaxRetries:           1,
	}
}

// attempts is the total number of attempts ep may make.
func (p Policy) attempts(ep Endpoint) int {
	if ep.Retry == RetryNone || p.MaxRetries <= 0 {
		return 1
	}
	return 2
}

// deadline is the per-attempt deadline; attempt counts from 1.
func (p Policy) deadline(ep Endpoint, attempt int) time.Duration {
	if attempt <= 1 {
		return p.Timeout
	}
	switch ep.Retry {
	case RetryTransfer:
		return p.TransferRetryTimeout
	case RetryLookup:
		return p.LookupRetryTimeout
	}
	return p.Timeout
}
