package model

// OpsType identifies a store mutation recorded in the journal.
type OpsType byte

const (
	PUT OpsType = iota
	DROP
	OPEN
)

func (o OpsType) String() string {
	switch o {
	case PUT:
		return "PUT"
	case DROP:
		return "DROP"
	case OPEN:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// Mutation is one change to a store. Key and Value are empty for OPEN and DROP.
type Mutation struct {
	Op       OpsType
	Store    string
	Key      []byte
	Value    []byte
	Sequence uint64
}
