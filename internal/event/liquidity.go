package event

// AddLiquidity deposits base asset into the pool in exchange for shares.
type AddLiquidity struct {
	Meta
	Amount       int64        `json:"amount"`
	PaymentToken PaymentToken `json:"payment_token"`
}

func (c *AddLiquidity) EventType() EventType { return EventTypeAddLiquidity }

// RemoveLiquidity burns shares for their proportional pool value.
type RemoveLiquidity struct {
	Meta
	Shares int64 `json:"shares"`
}

func (c *RemoveLiquidity) EventType() EventType { return EventTypeRemoveLiquidity }
