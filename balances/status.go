package balances

// Status is the simplified state of the balances reported to clients.
type Status string

// Statuses.
const (
	StatusError   Status = "error"
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusUnknown Status = "unknown"
)

// Flags are the detailed state of the refreshes. IsRefetching is set while refreshing balances that were already
// fetched once.
type Flags struct {
	IsLoading    bool `json:"isLoading"`
	IsFetching   bool `json:"isFetching"`
	IsSuccess    bool `json:"isSuccess"`
	IsError      bool `json:"isError"`
	IsFetched    bool `json:"isFetched"`
	IsRefetching bool `json:"isRefetching"`
}

// Derive returns the status for the flags given the most recent error.
func Derive(f Flags, err error) Status {
	switch {
	case err != nil && !f.IsLoading:
		return StatusError
	case f.IsLoading || f.IsFetching:
		return StatusLoading
	case f.IsSuccess && f.IsFetched:
		return StatusSuccess
	}

	return StatusUnknown
}

// State is a consistent view of the flags, the status and the most recent error.
type State struct {
	Flags
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
	Nonce  uint64 `json:"nonce"`
}
