package exchange

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"math/rand"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"

	"github.com/betbot/edgeexec/internal/domain"
)

const (
	ctfExchange        = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	negRiskCTFExchange = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
	zeroAddress        = "0x0000000000000000000000000000000000000000"
)

// SignedOrder POST /order 载荷中的 order 字段
type SignedOrder struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

// OrderSigner EIP-712 订单签名
type OrderSigner struct {
	key           *ecdsa.PrivateKey
	address       common.Address
	funder        common.Address
	signatureType int
	chainID       int64
	negRisk       bool
}

func NewOrderSigner(privateKeyHex, funder string, signatureType int, chainID int64, negRisk bool) (*OrderSigner, error) {
	k := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if k == "" {
		return nil, fmt.Errorf("private key is empty")
	}
	key, err := crypto.HexToECDSA(k)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	s := &OrderSigner{
		key:           key,
		address:       addr,
		funder:        addr,
		signatureType: signatureType,
		chainID:       chainID,
		negRisk:       negRisk,
	}
	if funder != "" {
		if !common.IsHexAddress(funder) {
			return nil, fmt.Errorf("invalid funder address: %s", funder)
		}
		s.funder = common.HexToAddress(funder)
	}
	if s.chainID == 0 {
		s.chainID = 137
	}
	return s, nil
}

// Address 签名地址
func (s *OrderSigner) Address() string {
	return s.address.Hex()
}

// Sign 构造并签名订单。价格按 0.01 tick 取整，数量保留 2 位小数，金额换算为 6 位精度整数。
func (s *OrderSigner) Sign(req domain.OrderRequest) (*SignedOrder, error) {
	if req.Price <= 0 || req.Price >= 1 {
		return nil, fmt.Errorf("price out of range: %v", req.Price)
	}
	price := decimal.NewFromFloat(req.Price).Round(2)
	size := decimal.NewFromFloat(req.Size).Round(2)
	if !size.IsPositive() {
		return nil, fmt.Errorf("size too small: %v", req.Size)
	}
	tokens := size.Shift(6).BigInt()
	usdc := size.Mul(price).Round(4).Shift(6).BigInt()

	o := &SignedOrder{
		Salt:          rand.Int63n(1_000_000_000_000),
		Maker:         s.funder.Hex(),
		Signer:        s.address.Hex(),
		Taker:         zeroAddress,
		TokenID:       req.TokenID,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          string(req.Side),
		SignatureType: s.signatureType,
	}
	switch req.Side {
	case domain.SideBuy:
		o.MakerAmount, o.TakerAmount = usdc.String(), tokens.String()
	case domain.SideSell:
		o.MakerAmount, o.TakerAmount = tokens.String(), usdc.String()
	default:
		return nil, fmt.Errorf("unknown side: %s", req.Side)
	}

	hash, err := s.hash(o)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign order: %w", err)
	}
	sig[64] += 27
	o.Signature = "0x" + hex.EncodeToString(sig)
	return o, nil
}

func (s *OrderSigner) hash(o *SignedOrder) ([]byte, error) {
	contract := ctfExchange
	if s.negRisk {
		contract = negRiskCTFExchange
	}
	side := int64(0)
	if o.Side == string(domain.SideSell) {
		side = 1
	}

	tokenID, ok := new(big.Int).SetString(o.TokenID, 10)
	if !ok {
		return nil, fmt.Errorf("token id is not a decimal integer: %q", o.TokenID)
	}
	bigOf := func(s string) *big.Int {
		v, _ := new(big.Int).SetString(s, 10)
		if v == nil {
			return big.NewInt(0)
		}
		return v
	}

	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": []apitypes.Type{
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(s.chainID),
			VerifyingContract: contract,
		},
		Message: apitypes.TypedDataMessage{
			"salt":          big.NewInt(o.Salt),
			"maker":         common.HexToAddress(o.Maker).Hex(),
			"signer":        common.HexToAddress(o.Signer).Hex(),
			"taker":         common.HexToAddress(o.Taker).Hex(),
			"tokenId":       tokenID,
			"makerAmount":   bigOf(o.MakerAmount),
			"takerAmount":   bigOf(o.TakerAmount),
			"expiration":    bigOf(o.Expiration),
			"nonce":         bigOf(o.Nonce),
			"feeRateBps":    bigOf(o.FeeRateBps),
			"side":          big.NewInt(side),
			"signatureType": big.NewInt(int64(o.SignatureType)),
		},
	}
	hash, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	return hash, nil
}
