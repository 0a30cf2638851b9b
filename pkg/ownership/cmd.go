package ownership

import "github.com/google/uuid"

// Claim is the only command replicated through the consensus log: a request
// that Candidate become the owner of Counter. Counter values themselves
// never transit raft.
type Claim struct {
	Counter   string    `json:"counter"`
	Candidate uint64    `json:"candidate"`
	ID        uuid.UUID `json:"id"`
}

func NewClaim(counter string, candidate uint64) Claim {
	return Claim{
		Counter:   counter,
		Candidate: candidate,
		ID:        uuid.New(),
	}
}
