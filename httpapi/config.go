package httpapi

import "time"

// Config defines HTTP API settings. Socket takes precedence over Addr.
type Config struct {
	Addr   string
	Socket string
	// ExecWaitTimeout bounds how long a waiting exec request blocks.
	ExecWaitTimeout time.Duration
}

const defaultExecWaitTimeout = 10 * time.Minute
