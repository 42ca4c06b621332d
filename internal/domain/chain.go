package domain

// EnvState is the sequencer's view of one environment within a
// promotion chain.
type EnvState string

const (
	EnvNotStarted EnvState = "not_started"
	EnvInProgress EnvState = "in_progress"
	EnvSucceeded  EnvState = "succeeded"
	EnvFailed     EnvState = "failed"
	EnvHalted     EnvState = "halted"
)

// ChainStatus is the terminal status of a promotion chain.
type ChainStatus string

const (
	ChainRunning   ChainStatus = "running"
	ChainSucceeded ChainStatus = "succeeded"
	ChainHalted    ChainStatus = "halted"
)
