package dto

import (
	"github.com/shopspring/decimal"

	"downloadgate/internal/coupon"
)

type CouponCheckRequest struct {
	Code         string          `json:"code" validate:"required,max=64"`
	Amount       decimal.Decimal `json:"amount"`
	PackageID    int64           `json:"package_id" validate:"gte=0"`
	FileID       int64           `json:"file_id" validate:"gte=0"`
	AppliedCodes []string        `json:"applied_codes" validate:"max=5,dive,required,max=64"`
	OrderRef     string          `json:"order_ref" validate:"max=128"`
}

type RedeemResponse struct {
	Usage  *coupon.Usage `json:"usage"`
	Result coupon.Result `json:"result"`
}
