package taskname

const (
	// Escrow tasks
	EscrowReconcile = "escrow:reconcile"

	// Campaign / pledge sweeps
	CampaignExpireOverdue = "campaign:expire:overdue"
	PledgeCompleteExhaust = "pledge:complete:exhausted"

	// Payout tasks
	PayoutRepair = "payout:repair"

	// Activity tasks
	ActivitySettlePending = "activity:settle:pending"
)
