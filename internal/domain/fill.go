package domain

// FillStatus 成交确认结果
type FillStatus string

const (
	FillMatched           FillStatus = "MATCHED"
	FillPartial           FillStatus = "PARTIAL"
	FillCancelled         FillStatus = "CANCELLED"
	FillTimeout           FillStatus = "TIMEOUT"
	FillUnknownMatchedQty FillStatus = "UNKNOWN_MATCHED_QTY"
)

// FillSource 成交信息来源
type FillSource string

const (
	FillSourceWS            FillSource = "WS"
	FillSourceREST          FillSource = "REST"
	FillSourceRESTReconcile FillSource = "REST_RECONCILE"
	FillSourceRESTFinal     FillSource = "REST_FINAL"
)

// FillResult 成交确认的最终结果
type FillResult struct {
	Status    FillStatus
	FilledQty float64
	AvgPrice  float64
	Source    FillSource
}

// HasFill 是否有实际成交
func (r FillResult) HasFill() bool {
	return (r.Status == FillMatched || r.Status == FillPartial) && r.FilledQty > 0
}

// FillEvent 推送通道上报的成交事件
type FillEvent struct {
	OrderID      string
	Status       FillStatus // MATCHED / PARTIAL / CANCELLED / TIMEOUT
	FilledQty    float64
	HasFilledQty bool
	AvgPrice     float64
	HasAvgPrice  bool
}
