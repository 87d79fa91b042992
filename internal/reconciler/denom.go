package reconciler

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	ErrUnknownDenom   = errors.New("未知币种")
	ErrAmountOverflow = errors.New("金额超出记账单位范围")
	ErrInexactAmount  = errors.New("金额无法用该币种精确表示")
)

// Denominations 外部币种与账本记账单位之间的换算
// 每个币种等于 10^exp 个记账单位，记账单位本身 exp 为 0
// 只在协议边界换算，账本内部不做舍入
type Denominations struct {
	unit string
	exps map[string]int
}

func NewDenominations(unit string, exps map[string]int) (*Denominations, error) {
	d := &Denominations{unit: unit, exps: make(map[string]int, len(exps)+1)}
	for name, exp := range exps {
		if exp < 0 || exp > 36 {
			return nil, fmt.Errorf("币种 %s: 指数 %d 超出范围", name, exp)
		}
		d.exps[name] = exp
	}
	if _, ok := d.exps[unit]; !ok {
		d.exps[unit] = 0
	}
	return d, nil
}

func (d *Denominations) Unit() string { return d.unit }

// Resolve 空币种视为记账单位，未知币种报错
func (d *Denominations) Resolve(denom string) (string, error) {
	if denom == "" {
		return d.unit, nil
	}
	if _, ok := d.exps[denom]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownDenom, denom)
	}
	return denom, nil
}

// ToUnit 换算成记账单位，溢出时报错
func (d *Denominations) ToUnit(amount int64, denom string) (int64, error) {
	scale, err := d.scale(denom)
	if err != nil {
		return 0, err
	}
	if amount < 0 {
		return 0, ErrAmountOverflow
	}
	out, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(uint64(amount)), scale)
	if overflow || !out.IsUint64() || out.Uint64() > uint64(maxInt64) {
		return 0, ErrAmountOverflow
	}
	return int64(out.Uint64()), nil
}

// FromUnit 换算回 denom，必须整除
func (d *Denominations) FromUnit(units int64, denom string) (int64, error) {
	scale, err := d.scale(denom)
	if err != nil {
		return 0, err
	}
	if units < 0 {
		return 0, ErrInexactAmount
	}
	quo, rem := new(uint256.Int).DivMod(uint256.NewInt(uint64(units)), scale, new(uint256.Int))
	if !rem.IsZero() {
		return 0, ErrInexactAmount
	}
	return int64(quo.Uint64()), nil
}

func (d *Denominations) scale(denom string) (*uint256.Int, error) {
	denom, err := d.Resolve(denom)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(d.exps[denom]))), nil
}

const maxInt64 = 1<<63 - 1
