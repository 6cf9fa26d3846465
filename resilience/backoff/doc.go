// Package backoff provides retry delay helpers with exponential growth and
// full jitter.
//
// The cache uses ExponentialWithJitter to pace durable-tier write retries and
// SleepWithContext to wait between attempts without outliving the caller's
// context.
package backoff
