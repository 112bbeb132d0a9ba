package event

// ApproveToken lets the pool pull up to Amount of Asset from the caller.
// It replaces any earlier approval.
type ApproveToken struct {
	Meta
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
}

func (c *ApproveToken) EventType() EventType { return EventTypeApproveToken }

// MintToken credits test funds on a development deployment. Admin role only.
type MintToken struct {
	Meta
	Asset   string `json:"asset"`
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
}

func (c *MintToken) EventType() EventType { return EventTypeMintToken }
