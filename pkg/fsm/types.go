package fsm

// ProvisionRequest is the FSM input
type ProvisionRequest struct {
	RunID       string
	Image       string
	UserDataKey string
}

// ProvisionResponse is the FSM output (accumulated across transitions)
type ProvisionResponse struct {
	// From FetchUserData
	UserData       []byte
	UserDataSHA256 string

	// From Create
	InstanceID string

	// From AwaitRunning/Complete
	Status       string
	ErrorMessage string
}

// State names
const (
	StateFetchUserData = "fetch_user_data"
	StateCreate        = "create"
	StateAwaitRunning  = "await_running"
	StateComplete      = "complete"
	StateFailed        = "failed"
)
