package reconciler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidWallet = errors.New("钱包地址无效")

const (
	WalletFormatEVM    = "evm"
	WalletFormatBech32 = "bech32"
)

// WalletValidator 校验并规范化外部钱包地址，绑定查询与扫描器上报的大小写无关
type WalletValidator struct {
	format string
	hrp    string
}

func NewWalletValidator(format, hrp string) (*WalletValidator, error) {
	switch format {
	case WalletFormatEVM, WalletFormatBech32:
	default:
		return nil, fmt.Errorf("不支持的钱包格式 %q", format)
	}
	return &WalletValidator{format: format, hrp: strings.ToLower(hrp)}, nil
}

// Normalize 返回 addr 的规范形式，无效时返回 ErrInvalidWallet
func (v *WalletValidator) Normalize(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	switch v.format {
	case WalletFormatEVM:
		if !common.IsHexAddress(addr) {
			return "", fmt.Errorf("%w: %q 不是十六进制地址", ErrInvalidWallet, addr)
		}
		return common.HexToAddress(addr).Hex(), nil
	default:
		hrp, data, err := bech32.Decode(addr)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidWallet, err)
		}
		if v.hrp != "" && hrp != v.hrp {
			return "", fmt.Errorf("%w: 前缀 %q, 应为 %q", ErrInvalidWallet, hrp, v.hrp)
		}
		if len(data) == 0 {
			return "", fmt.Errorf("%w: 地址内容为空", ErrInvalidWallet)
		}
		return strings.ToLower(addr), nil
	}
}
