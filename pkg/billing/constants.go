package billing

const (
	operationGrant    = "grant"
	operationPurchase = "purchase"
	operationSettle   = "settle"
	operationSpend    = "spend"
	operationRefund   = "refund"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)
