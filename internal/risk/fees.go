package risk

import "math"

// FeeFraction 价格相关的手续费率（占名义金额的比例）：rate × (p × (1 − p))^exponent
//
// 50c 附近最高，越靠近 0/1 越低。
func FeeFraction(price, rate, exponent float64) float64 {
	if price <= 0 || price >= 1 || rate <= 0 {
		return 0
	}
	return rate * math.Pow(price*(1-price), exponent)
}

// FeePerShare 每个 token 的手续费（价格单位），用于和 edge 直接比较
func FeePerShare(price, rate, exponent float64) float64 {
	return price * FeeFraction(price, rate, exponent)
}
